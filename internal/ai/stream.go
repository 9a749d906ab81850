package ai

import (
	"context"
	"encoding/json"
	"sync"
)

// DoneSentinel terminates a fragment stream on the wire.
const DoneSentinel = "[DONE]"

// StreamEvent is either a content fragment or the terminal done marker.
type StreamEvent struct {
	Content string
	Done    bool
}

// Payload renders the event the way clients receive it: a {"content":...}
// object per fragment, then the literal [DONE].
func (e StreamEvent) Payload() string {
	if e.Done {
		return DoneSentinel
	}
	b, _ := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: e.Content})
	return string(b)
}

// CompleteFunc receives the full answer and locally computed usage after a
// stream ends normally. It is not called when the stream fails.
type CompleteFunc func(answer string, usage Usage)

// StreamHandle is one in-flight streaming completion. Events is unbuffered,
// so the provider is read only as fast as the consumer reads.
type StreamHandle struct {
	events chan StreamEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStreamHandle(cancel context.CancelFunc) *StreamHandle {
	return &StreamHandle{events: make(chan StreamEvent), cancel: cancel}
}

// Events is closed after the done event, on failure or on Close.
func (h *StreamHandle) Events() <-chan StreamEvent { return h.events }

// Err reports the failure that ended the stream. Valid once Events is closed.
func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close abandons the stream and releases the provider connection.
func (h *StreamHandle) Close() { h.cancel() }

func (h *StreamHandle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}
