package transport

import (
	"context"
	"sync"
)

// Handler produces a response for a single submitted request. Tests use it
// to script virtiofsd-side behavior without a real device.
type Handler func(request []byte, writableLen int) ([]byte, error)

// FakeQueue is an in-memory Queue for tests: no virtqueue, no DMA, just a
// scriptable Handler. It also records every submitted request so tests can
// assert on ordering and unique-id monotonicity (spec.md §8 property 11 /
// E5).
type FakeQueue struct {
	mu       sync.Mutex
	Handler  Handler
	Requests [][]byte
}

// NewFakeQueue wraps handler as a Queue.
func NewFakeQueue(handler Handler) *FakeQueue {
	return &FakeQueue{Handler: handler}
}

// Submit records the request and delegates to Handler.
func (f *FakeQueue) Submit(_ context.Context, readable []byte, writableLen int) ([]byte, error) {
	f.mu.Lock()
	cp := make([]byte, len(readable))
	copy(cp, readable)
	f.Requests = append(f.Requests, cp)
	f.mu.Unlock()

	return f.Handler(readable, writableLen)
}

// Len returns the number of requests submitted so far.
func (f *FakeQueue) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
