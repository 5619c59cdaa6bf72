package api

import "time"

// SessionCreateRequest creates a new engine session over a guest image.
type SessionCreateRequest struct {
	ImageHex   string `json:"imageHex"`             // guest code, hex-encoded
	ImageBase  uint64 `json:"imageBase"`             // guest address the image starts at
	EntryPoint uint64 `json:"entryPoint,omitempty"` // not read by CreateSession; /run takes its start address explicitly
}

// SessionCreateResponse is returned from creating a session.
type SessionCreateResponse struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStatusResponse is the current status of a session.
type SessionStatusResponse struct {
	SessionID   string `json:"sessionId"`
	Running     bool   `json:"running"`
	HasRan      bool   `json:"hasRan"`
	PC          uint64 `json:"pc"`
	CachedBlocks int   `json:"cachedBlocks"`
	CacheBytes  int    `json:"cacheBytes"`
}

// RangeRequest adds or removes an instrumented address range.
type RangeRequest struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// RuleRequest installs one of the built-in instrumentation rules.
type RuleRequest struct {
	// Kind is one of "counter", "tracer", "range-limiter".
	Kind     string `json:"kind"`
	Priority int    `json:"priority,omitempty"`
	// Start/End scope the rule (counter, range-limiter); zero/zero means
	// "everywhere" for counter, and is rejected for range-limiter.
	Start uint64 `json:"start,omitempty"`
	End   uint64 `json:"end,omitempty"`
}

// RuleResponse reports the id assigned to a newly registered rule.
type RuleResponse struct {
	ID uint32 `json:"id"`
}

// RunRequest starts Run(start, stop) on a session.
type RunRequest struct {
	Start uint64 `json:"start"`
	Stop  uint64 `json:"stop"`
}

// RunResponse reports the outcome of a Run call.
type RunResponse struct {
	HasRan bool   `json:"hasRan"`
	PC     uint64 `json:"pc"`
}

// RegistersResponse is the GPR shadow state.
type RegistersResponse struct {
	Regs [16]uint64 `json:"regs"`
	PC   uint64     `json:"pc"`
	SP   uint64     `json:"sp"`
	LR   uint64     `json:"lr"`
}

// CacheStatsResponse reports code-cache occupancy.
type CacheStatsResponse struct {
	Blocks int `json:"blocks"`
	Bytes  int `json:"bytes"`
}

// ErrorResponse is a generic error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is a generic boolean-result envelope.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TraceEntryResponse is one recorded basic-block entry from a session's
// tracer rule, if one is installed.
type TraceEntryResponse struct {
	PC      uint64 `json:"pc"`
	BBStart uint64 `json:"bbStart"`
	BBEnd   uint64 `json:"bbEnd"`
}
