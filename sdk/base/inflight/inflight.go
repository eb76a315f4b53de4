// Package inflight counts bridge work that must finish before a stage drains.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight work. The zero value is ready to use.
type Counter struct {
	mu   sync.Mutex
	n    int64
	zero chan struct{}
}

// zeroLocked returns the channel closed when the count next reaches zero.
func (c *Counter) zeroLocked() chan struct{} {
	if c.zero == nil {
		c.zero = make(chan struct{})
		if c.n == 0 {
			close(c.zero)
		}
	}
	return c.zero
}

// Inc adds one unit of in-flight work.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.zeroLocked()
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

// Dec removes one unit. Extra calls are ignored.
func (c *Counter) Dec() {
	c.mu.Lock()
	ch := c.zeroLocked()
	if c.n > 0 {
		c.n--
		if c.n == 0 {
			close(ch)
		}
	}
	c.mu.Unlock()
}

// Track increments the counter and returns the matching release func, which
// is safe to call more than once.
func (c *Counter) Track() func() {
	c.Inc()
	var once sync.Once
	return func() { once.Do(c.Dec) }
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zeroLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each HTTP request for its duration.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer c.Track()()
			next.ServeHTTP(w, r)
		})
	}
}
