package domain

import "time"

// RetryPolicy configures the orchestrator's transient-failure backoff for a
// profile: delay = min(BaseDelay * 2^(attempt-1), MaxDelay), up to MaxRetries
// attempts.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Delay returns the backoff delay for the given 1-indexed attempt number,
// capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Profile is a named configuration bundle consumed by the orchestrator:
// driver, model, retry policy, tracker reference, and this profile's
// contribution to the global concurrency ceiling.
type Profile struct {
	ID            string
	Driver        string
	Model         string
	RetryPolicy   RetryPolicy
	TrackerRef    string
	MaxConcurrent int
}

// ProfileResolver resolves a profile id to its configuration. The profile
// store itself (an external configuration profile record) is out of scope;
// only the shape the orchestrator consumes is defined here.
type ProfileResolver interface {
	Resolve(id string) (Profile, error)
}
