package attempt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Remaining is the time left on an attempt that started at startedAt with a
// limit of minutes, derived from the absolute start so a resumed session
// never resets the clock. Whole seconds only, never negative.
func Remaining(startedAt, now time.Time, minutes int) time.Duration {
	elapsed := int64(now.Sub(startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	left := int64(minutes)*60 - elapsed
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * time.Second
}

// Countdown drives one timed attempt and calls onExpire exactly once when
// the remaining time reaches zero.
type Countdown struct {
	startedAt time.Time
	minutes   int
	now       func() time.Time
	onExpire  func()

	fired    atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

func NewCountdown(startedAt time.Time, minutes int, now func() time.Time, onExpire func()) *Countdown {
	if now == nil {
		now = time.Now
	}
	return &Countdown{
		startedAt: startedAt,
		minutes:   minutes,
		now:       now,
		onExpire:  onExpire,
		stop:      make(chan struct{}),
	}
}

func (c *Countdown) Remaining() time.Duration {
	return Remaining(c.startedAt, c.now(), c.minutes)
}

// Tick recomputes the remaining time and fires the expiry callback on the
// first tick that observes zero. Ticks after Stop do nothing.
func (c *Countdown) Tick() time.Duration {
	left := c.Remaining()
	if c.stopped.Load() {
		return left
	}
	if left == 0 && c.fired.CompareAndSwap(false, true) && c.onExpire != nil {
		c.onExpire()
	}
	return left
}

// Expired reports whether the expiry callback has been fired.
func (c *Countdown) Expired() bool { return c.fired.Load() }

// Run ticks immediately and then every interval until ctx is done or Stop is called.
func (c *Countdown) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	c.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-t.C:
			c.Tick()
		}
	}
}

// Stop is non-blocking and safe to call more than once, including from onExpire.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stop)
	})
}
