// Package retry computes reconnect delays for the network adapters.
//
// A Delay hands out a short, fixed delay for the first few attempts and then
// walks an ascending table that tops out at one hour. Every adapter owns one
// Delay for its lifetime and resets it after a successful connection.
package retry

import (
	"context"
	"sync"
	"time"
)

// table is the long-phase schedule.
var table = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	45 * time.Second,
	60 * time.Second,
	90 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	45 * time.Minute,
	60 * time.Minute,
}

// Schedule is the immutable policy of a Delay.
type Schedule struct {
	// FirstInstant makes attempt 0 return immediately.
	FirstInstant bool
	// ShortCount is the number of attempts served with ShortDelay.
	ShortCount int
	ShortDelay time.Duration
	// MaxDelay caps every delay when > 0.
	MaxDelay time.Duration
}

// Adapter is the schedule shared by all reconnecting adapters.
var Adapter = Schedule{FirstInstant: true, ShortCount: 5, ShortDelay: 2 * time.Second}

// sleepFn lets tests observe waits without sleeping.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay is a per-adapter backoff handle.
type Delay struct {
	mu       sync.Mutex
	sched    Schedule
	offset   int
	attempts int
}

// New builds a Delay for s.
func New(s Schedule) *Delay {
	d := &Delay{sched: s}
	// long phase starts at the first entry above the short delay
	d.offset = len(table) - 1
	for i, v := range table {
		if v > s.ShortDelay {
			d.offset = i
			break
		}
	}
	return d
}

// delayFor is the pure policy: the wait before attempt n.
func (d *Delay) delayFor(n int) time.Duration {
	s := d.sched
	if n == 0 && s.FirstInstant {
		return 0
	}
	var v time.Duration
	if n < s.ShortCount {
		v = s.ShortDelay
	} else {
		i := n - s.ShortCount + d.offset
		if i >= len(table) {
			i = len(table) - 1
		}
		v = table[i]
	}
	if s.MaxDelay > 0 && v > s.MaxDelay {
		v = s.MaxDelay
	}
	return v
}

// Next returns the delay for the current attempt and advances the counter.
func (d *Delay) Next() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.delayFor(d.attempts)
	d.attempts++
	return v
}

// Wait blocks for the next delay and returns the number of attempts made so
// far (including this one). A cancelled context aborts the wait; the attempt
// is still counted.
func (d *Delay) Wait(ctx context.Context) (int, error) {
	v := d.Next()
	err := sleepFn(ctx, v)
	return d.Attempts(), err
}

// Attempts reports the attempt counter.
func (d *Delay) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Reset restarts the schedule from its head.
func (d *Delay) Reset() {
	d.mu.Lock()
	d.attempts = 0
	d.mu.Unlock()
}
