// Package hubtest provides a hand-rolled Connector mock, used by the hub
// and builtin package tests, and a small concurrent-dispatch harness
// (teacher pattern: pkg/bubble/*_test.go's MockComponent, not a generated
// mock framework).
package hubtest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/inputhub/hub/pkg/hub"
)

// MockConnector records every message it is sent; a test scripts the
// other direction of a request/reply exchange through SendFunc.
type MockConnector struct {
	mu sync.Mutex

	Sent       []*hub.Message
	AttachedN  int
	DetachedN  int

	// SendFunc, when set, runs after the message is recorded and its
	// result is what Send returns. Returning false simulates a connector
	// failure.
	SendFunc func(msg *hub.Message) bool
}

// NewMockConnector returns a MockConnector that records every Send and
// always reports success.
func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

func (c *MockConnector) Send(msg *hub.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, msg)
	if c.SendFunc != nil {
		return c.SendFunc(msg)
	}
	return true
}

func (c *MockConnector) Attached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AttachedN++
}

func (c *MockConnector) Detached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DetachedN++
}

// Last returns the most recently sent message, or nil if none.
func (c *MockConnector) Last() *hub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sent) == 0 {
		return nil
	}
	return c.Sent[len(c.Sent)-1]
}

// Count returns how many messages of type t have been sent.
func (c *MockConnector) Count(t hub.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.Sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

// NewStringID returns a fresh random string id, for tests that register
// many components and don't care about a human-readable name (spec
// §4.2's string id only needs to be unique, not meaningful).
func NewStringID(prefix string) string {
	return prefix + "." + uuid.NewString()
}
