package api

import (
	"net/http"

	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/builtin"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/instrument"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// handleCreateSession handles POST /api/v1/session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session, err := s.sessions.CreateSession(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, SessionCreateResponse{
		SessionID: session.ID,
		CreatedAt: session.CreatedAt,
	})
}

// handleListSessions handles GET /api/v1/session.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.ListSessions(),
	})
}

// handleGetSessionStatus handles GET /api/v1/session/{id}.
func (s *Server) handleGetSessionStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	blocks, bytes := session.Engine.BlockCacheStats()
	gpr := session.Engine.GetGPRState()

	writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID:    session.ID,
		Running:      !session.Engine.IsPreInst(),
		HasRan:       true,
		PC:           gpr.PC,
		CachedBlocks: blocks,
		CacheBytes:   bytes,
	})
}

// handleDestroySession handles DELETE /api/v1/session/{id}.
func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.sessions.DestroySession(sessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleRun handles POST /api/v1/session/{id}/run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RunRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	hasRan, err := session.Engine.Run(req.Start, req.Stop)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	gpr := session.Engine.GetGPRState()
	if s.broadcaster != nil {
		s.broadcaster.BroadcastSessionEvent(sessionID, "run_complete", map[string]interface{}{
			"pc": gpr.PC,
		})
	}
	writeJSON(w, http.StatusOK, RunResponse{HasRan: hasRan, PC: gpr.PC})
}

// handleGetRegisters handles GET /api/v1/session/{id}/registers.
func (s *Server) handleGetRegisters(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	gpr := session.Engine.GetGPRState()
	writeJSON(w, http.StatusOK, RegistersResponse{
		Regs: gpr.Regs,
		PC:   gpr.PC,
		SP:   gpr.GetSP(),
		LR:   gpr.GetLR(),
	})
}

// handleSetRegisters handles PUT /api/v1/session/{id}/registers.
func (s *Server) handleSetRegisters(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RegistersResponse
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	gpr := session.Engine.GetGPRState()
	gpr.Regs = req.Regs
	gpr.PC = req.PC
	session.Engine.SetGPRState(&gpr)

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleAddRange handles POST /api/v1/session/{id}/range.
func (s *Server) handleAddRange(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RangeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session.Engine.AddInstrumentedRange(req.Start, req.End)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleRemoveRange handles DELETE /api/v1/session/{id}/range.
func (s *Server) handleRemoveRange(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RangeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session.Engine.RemoveInstrumentedRange(req.Start, req.End)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleAddRule handles POST /api/v1/session/{id}/rule. req.Kind selects
// one of the engine's built-in instrumentation rules: "counter" injects a
// host instruction counting executed patches, "tracer" records every
// basic-block entry via a VM callback, "range-limiter" returns BREAK_TO_VM
// for every SEQUENCE_ENTRY/BASIC_BLOCK_ENTRY event whose PC is outside
// [Start, End).
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req RuleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Kind {
	case "counter":
		rng := instrument.Range{Start: req.Start, End: req.End}
		rule := refarch.NewCounterRule(rng, req.Priority, 0)
		id, err := session.Engine.AddInstrRule(rule)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		session.RegisterRuleHandle(id, &ruleHandle{kind: req.Kind, counter: rule})
		writeJSON(w, http.StatusCreated, RuleResponse{ID: id})

	case "tracer":
		tracer := builtin.NewTracer(NewEventWriter(s.broadcaster, sessionID))
		traceCB := tracer.Callback()
		cb := traceCB
		if s.broadcaster != nil {
			// Forward the same dispatched VMState to WebSocket clients as
			// structured fields (VMEvent/PC/BBStart/BBEnd), alongside the
			// tracer's own formatted-text stream.
			cb = func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, userData any) event.Action {
				s.broadcaster.BroadcastVMEvent(sessionID, state)
				return traceCB(state, gpr, fpr, userData)
			}
		}
		id, err := session.Engine.AddVMEventCB(event.BasicBlockEntry, cb, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		session.RegisterRuleHandle(id, &ruleHandle{kind: req.Kind, tracer: tracer})
		writeJSON(w, http.StatusCreated, RuleResponse{ID: id})

	case "range-limiter":
		if req.Start == 0 && req.End == 0 {
			writeError(w, http.StatusBadRequest, "range-limiter requires start and end")
			return
		}
		limiter := builtin.NewRangeLimiter(req.Start, req.End)
		id, err := session.Engine.AddVMEventCB(event.SequenceEntry|event.BasicBlockEntry, limiter.Callback(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		session.RegisterRuleHandle(id, &ruleHandle{kind: req.Kind})
		writeJSON(w, http.StatusCreated, RuleResponse{ID: id})

	default:
		writeError(w, http.StatusBadRequest, "unknown rule kind: "+req.Kind)
	}
}

// handleDeleteRule handles DELETE /api/v1/session/{id}/rule/{ruleID}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request, sessionID string, ruleID uint32) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if !session.Engine.DeleteInstrumentation(ruleID) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	session.ForgetRuleHandle(ruleID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleCacheStats handles GET /api/v1/session/{id}/cache.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	blocks, bytes := session.Engine.BlockCacheStats()
	writeJSON(w, http.StatusOK, CacheStatsResponse{Blocks: blocks, Bytes: bytes})
}

// handleClearCache handles POST /api/v1/session/{id}/cache/clear.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	session.Engine.ClearAllCache()
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleTraceData handles GET /api/v1/session/{id}/trace, returning every
// entry recorded by any tracer rule installed on the session.
func (s *Server) handleTraceData(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var out []TraceEntryResponse
	for _, t := range session.Tracers() {
		for _, e := range t.Entries() {
			out = append(out, TraceEntryResponse{PC: e.PC, BBStart: e.BBStart, BBEnd: e.BBEnd})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}
