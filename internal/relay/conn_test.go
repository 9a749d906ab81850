package relay

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     string
	frames chan Frame
	fail   bool
	closed atomic.Int32
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan Frame, 32)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(b []byte) error {
	if c.fail {
		return errors.New("peer gone")
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.frames <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func expectFrame(t *testing.T, c *fakeConn, event string) Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		if f.Event != event {
			t.Fatalf("conn %s: expected %q, got %q (%s)", c.id, event, f.Event, f.Data)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("conn %s: no %q frame", c.id, event)
	}
	return Frame{}
}

func expectSilence(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("conn %s: unexpected %q frame (%s)", c.id, f.Event, f.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func decodeChat(t *testing.T, f Frame) ChatMessage {
	t.Helper()
	var m ChatMessage
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	return m
}
