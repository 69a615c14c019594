package store

import (
	"context"
	"sync"
)

// Lanes provides per-thread serialization. Work for the same thread runs
// one at a time while different threads proceed in parallel.
//
// A global mutex guards the lane map only long enough to find or create a
// lane; waiting happens on the lane's own slot.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane is a single-slot semaphore. refs counts holders and waiters so the
// entry can be dropped once nobody references it.
type lane struct {
	slot chan struct{}
	refs int
}

// NewLanes creates a ready-to-use Lanes.
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Acquire blocks until the lane for key is free or ctx is done. On success
// the returned release func must be called exactly once.
func (l *Lanes) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{slot: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ln.slot
			l.unref(key, ln)
		})
	}, nil
}

func (l *Lanes) unref(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
}

// Len returns the number of lanes currently referenced.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
