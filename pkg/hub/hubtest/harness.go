package hubtest

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inputhub/hub/pkg/hub"
)

// SerializingHub wraps a *hub.Hub behind a mutex, standing in for the
// transport-thread marshaling spec §5 requires of real embedders (every
// Dispatch/Attach/Detach call must land on one logical goroutine; the Hub
// itself enforces none of that). It lets a test drive the hub from
// multiple goroutines while every call still runs one at a time; the
// module's own tests do not use it.
type SerializingHub struct {
	mu sync.Mutex
	h  *hub.Hub
}

// NewSerializingHub wraps h.
func NewSerializingHub(h *hub.Hub) *SerializingHub {
	return &SerializingHub{h: h}
}

// Dispatch marshals onto the wrapped hub under lock.
func (s *SerializingHub) Dispatch(conn hub.Connector, msg *hub.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Dispatch(conn, msg)
}

// Concurrently runs each fn on its own goroutine via errgroup, waits for
// all to finish, and returns the first error (if any). Each fn is expected
// to call s.Dispatch internally; the point of the helper is to exercise
// the lock under real goroutine scheduling rather than call Dispatch
// serially from the test's own goroutine.
func Concurrently(fns ...func() error) error {
	var g errgroup.Group
	for _, fn := range fns {
		g.Go(fn)
	}
	return g.Wait()
}
