// Package backoff computes reconnect delays for the realtime connection.
package backoff

import (
	"math"
	"time"
)

// Policy defines the parameters for the reconnect delay schedule.
//
// Attempt 0 always retries immediately to mask transient blips. Later
// attempts grow exponentially from BaseDelay, clamped at MaxDelay. Once
// the attempt number reaches MaxAttempts the schedule is exhausted and
// Delay reports ok=false.
type Policy struct {
	// BaseDelay is the delay for attempt 1.
	BaseDelay time.Duration
	// MaxDelay is the ceiling applied to all delays.
	MaxDelay time.Duration
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// MaxAttempts is the number of attempts before giving up.
	MaxAttempts int
}

// Default returns the policy used for the push connection.
// Delays: 0, 1s, 2s, 4s, 8s, 16s, 32s, then give up.
func Default() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		MaxAttempts: 7,
	}
}

// Delay returns the wait before reconnect attempt number attempt,
// counted from zero. ok is false once the schedule is exhausted;
// the caller must stop retrying.
//
// Delay is deterministic and side-effect free.
func (p Policy) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if attempt == 0 {
		return 0, true
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d), true
}
