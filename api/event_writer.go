package api

import (
	"bytes"
	"io"
	"sync"
)

// EventWriter is the io.Writer a session plugs into builtin.NewTracer so
// every "bb 0x%x [...]" line the tracer formats also reaches that
// session's WebSocket subscribers as an EventTypeTrace broadcast, not just
// the in-process Tracer.Entries() slice.
type EventWriter struct {
	broadcaster *Broadcaster
	sessionID   string
	buffer      *bytes.Buffer
	mutex       sync.Mutex
}

// NewEventWriter returns an EventWriter that broadcasts every line written
// to it under sessionID.
func NewEventWriter(broadcaster *Broadcaster, sessionID string) *EventWriter {
	return &EventWriter{
		broadcaster: broadcaster,
		sessionID:   sessionID,
		buffer:      &bytes.Buffer{},
	}
}

// Write implements io.Writer, broadcasting each write as a trace line to
// the session's WebSocket subscribers.
func (w *EventWriter) Write(p []byte) (n int, err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	n, err = w.buffer.Write(p)
	if err == nil && n > 0 && w.broadcaster != nil {
		w.broadcaster.BroadcastTraceLine(w.sessionID, string(p))
	}
	return n, err
}

// GetBufferAndClear returns every line written so far and clears the
// buffer, for a one-shot trace dump endpoint.
func (w *EventWriter) GetBufferAndClear() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	output := w.buffer.String()
	w.buffer.Reset()
	return output
}

// GetBuffer returns the buffered trace lines without clearing them.
func (w *EventWriter) GetBuffer() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.buffer.String()
}

// Ensure EventWriter implements io.Writer
var _ io.Writer = (*EventWriter)(nil)
