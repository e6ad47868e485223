package orchestration

import "time"

// RetryPolicy defines how failed deliveries are retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`         // base delay between retries
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"` // cap for exponential growth
}

// DefaultRetryPolicy returns a sensible default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based: the delay
// after the first failure is Delay(1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Attempts returns MaxAttempts, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
