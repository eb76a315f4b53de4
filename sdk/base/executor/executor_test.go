package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	block := make(chan struct{})
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < 6; i++ {
			_ = p.Go(context.Background(), func() {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-block
				running.Add(-1)
			})
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(block)
	<-submitted
	p.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds 2", peak.Load())
	}
}

func TestPoolHonoursContext(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	defer close(block)
	if err := p.Go(context.Background(), func() { <-block }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Go(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnboundedPool(t *testing.T) {
	p := New(0)
	if p.slots != nil {
		t.Fatalf("zero size should leave the pool unbounded")
	}
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		_ = p.Go(context.Background(), func() { n.Add(1) })
	}
	p.Wait()
	if n.Load() != 10 {
		t.Fatalf("ran %d tasks", n.Load())
	}
}
