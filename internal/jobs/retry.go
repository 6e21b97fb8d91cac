package jobs

import "time"

// RetryPolicy decides whether and when a failed job runs again. Delays
// double from BaseDelay per recorded attempt; once attempts reach
// MaxAttempts the job is dead-lettered instead of deferred.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches the worker defaults: deferrals of 60s, 120s,
// 240s and 480s, then dead-letter on the fifth failed attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Minute, MaxAttempts: 5}
}

// ShouldRetry reports whether a job with the given attempt count gets
// another run.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns the deferral delay after the attempts-th failed attempt.
// The exponent is capped so the delay stays bounded even for attempt counts
// past the dead-letter threshold.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	exp := attempts - 1
	if limit := p.MaxAttempts - 1; exp > limit {
		exp = limit
	}
	delay := p.BaseDelay
	for i := 0; i < exp; i++ {
		delay *= 2
	}
	return delay
}

// NextRun returns the deferred run time after the attempts-th failed attempt.
func (p RetryPolicy) NextRun(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
