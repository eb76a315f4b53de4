// Package executor runs bridge-side work on goroutines bounded by a fixed
// number of slots.
package executor

import (
	"context"
	"sync"
)

// Pool gates goroutines through a slot semaphore. A pool with no slots is
// unbounded.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// New returns a pool running at most size tasks at once; size <= 0 means
// unbounded.
func New(size int) *Pool {
	p := &Pool{}
	if size > 0 {
		p.slots = make(chan struct{}, size)
	}
	return p
}

// Go runs fn on its own goroutine once a slot is free. It blocks only while
// the pool is saturated and returns ctx.Err() if ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.slots != nil {
			defer func() { <-p.slots }()
		}
		fn()
	}()
	return nil
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() { p.wg.Wait() }
