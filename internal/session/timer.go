package session

import "time"

// Countdown is a whole-second countdown clock. It holds no goroutines; the owner
// calls Tick once per elapsed second.
type Countdown struct {
	remaining int
	expired   bool
	stopped   bool
}

// NewCountdown returns a countdown of the given number of seconds. A non-positive
// duration yields a countdown that is already expired.
func NewCountdown(seconds int) *Countdown {
	if seconds <= 0 {
		return &Countdown{expired: true}
	}
	return &Countdown{remaining: seconds}
}

// Tick advances the countdown by one second. It returns true exactly once: on the
// tick that brings the counter to zero. Ticks on a stopped or expired countdown are ignored.
func (c *Countdown) Tick() bool {
	if c.stopped || c.expired {
		return false
	}
	c.remaining--
	if c.remaining <= 0 {
		c.remaining = 0
		c.expired = true
		return true
	}
	return false
}

// Stop cancels the countdown. It is safe to call more than once.
func (c *Countdown) Stop() {
	c.stopped = true
}

// Remaining returns the seconds left; never negative.
func (c *Countdown) Remaining() int {
	return c.remaining
}

// Expired reports whether the countdown has reached zero.
func (c *Countdown) Expired() bool {
	return c.expired
}

// Running reports whether further ticks can still change the countdown.
func (c *Countdown) Running() bool {
	return !c.stopped && !c.expired
}

// Ticker delivers wall-clock ticks. Stop must be idempotent.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker for the given period.
type TickerFunc func(d time.Duration) Ticker

type wallTicker struct {
	t *time.Ticker
}

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// WallTicker is the production TickerFunc backed by time.Ticker.
func WallTicker(d time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(d)}
}
