package recorder

import (
	"sync"
	"time"
)

// FrameClock paces render ticks while a session is recording.
// Start is called when recording begins and Stop when it ends; a clock may be
// started again for the next session.
type FrameClock interface {
	Start() <-chan time.Time
	Stop()
}

// TickerClock ticks at a fixed rate. There is no display refresh signal on a
// headless host, so the configured frame rate stands in for it.
type TickerClock struct {
	interval time.Duration
	ticker   *time.Ticker
}

// NewTickerClock creates a clock firing fps times per second
func NewTickerClock(fps int) *TickerClock {
	if fps <= 0 {
		fps = 30
	}
	return &TickerClock{interval: time.Second / time.Duration(fps)}
}

func (c *TickerClock) Start() <-chan time.Time {
	if c.ticker == nil {
		c.ticker = time.NewTicker(c.interval)
	} else {
		c.ticker.Reset(c.interval)
	}
	return c.ticker.C
}

func (c *TickerClock) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

// ManualClock only ticks when told to, for deterministic tests
type ManualClock struct {
	ch chan time.Time

	mu      sync.Mutex
	running bool
}

// NewManualClock creates a stopped manual clock
func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time)}
}

func (c *ManualClock) Start() <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return c.ch
}

func (c *ManualClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Running reports whether a session is consuming ticks
func (c *ManualClock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Tick delivers one tick and returns once the recorder has received it.
// It must only be called while Running.
func (c *ManualClock) Tick(at time.Time) {
	c.ch <- at
}
