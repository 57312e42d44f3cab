package reconcile

import (
	"strings"
	"sync"
	"time"
)

// Coalescer batches streamed deltas and publishes them when the window
// elapses or when maxPending bytes are buffered, whichever comes first.
// Published deltas, concatenated, always equal the pushed content in order.
//
// publish is called from the pushing goroutine or from a timer goroutine,
// never concurrently. It must not call Push.
type Coalescer struct {
	window     time.Duration
	maxPending int
	publish    func(delta string)

	pubMu   sync.Mutex // held while extracting and publishing
	mu      sync.Mutex
	pending strings.Builder
	timer   *time.Timer
	closed  bool
}

// NewCoalescer creates a coalescer. A window <= 0 publishes every push
// immediately; maxPending <= 0 disables the size trigger.
func NewCoalescer(window time.Duration, maxPending int, publish func(delta string)) *Coalescer {
	return &Coalescer{
		window:     window,
		maxPending: maxPending,
		publish:    publish,
	}
}

// Push buffers delta. After Close, Push is a no-op.
func (c *Coalescer) Push(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending.WriteString(delta)
	immediate := c.window <= 0 || (c.maxPending > 0 && c.pending.Len() >= c.maxPending)
	if !immediate && c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.Flush)
	}
	c.mu.Unlock()

	if immediate {
		c.Flush()
	}
}

// Flush publishes anything buffered.
func (c *Coalescer) Flush() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.flushLocked()
}

func (c *Coalescer) flushLocked() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	delta := c.pending.String()
	c.pending.Reset()
	c.mu.Unlock()

	if delta != "" {
		c.publish(delta)
	}
}

// Close flushes the remaining buffer and stops accepting pushes.
func (c *Coalescer) Close() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.flushLocked()
}
