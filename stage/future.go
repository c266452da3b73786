package stage

import (
	"context"
	"sync"

	"github.com/xtreemfs/flease"
)

// Future is resolved by the stage goroutine once a request has been carried out.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result, it must only be called after Done is closed.
func (f *Future) Err() error {
	return f.err
}

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LeaseFuture resolves with the first lease known for an opened cell.
type LeaseFuture struct {
	done  chan struct{}
	once  sync.Once
	lease flease.Flease
	err   error
}

func newLeaseFuture() *LeaseFuture {
	return &LeaseFuture{done: make(chan struct{})}
}

func (f *LeaseFuture) resolve(lease flease.Flease, err error) {
	f.once.Do(func() {
		f.lease = lease
		f.err = err
		close(f.done)
	})
}

func (f *LeaseFuture) Done() <-chan struct{} {
	return f.done
}

func (f *LeaseFuture) Wait(ctx context.Context) (flease.Flease, error) {
	select {
	case <-f.done:
		return f.lease, f.err
	case <-ctx.Done():
		return flease.Flease{}, ctx.Err()
	}
}
