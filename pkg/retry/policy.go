package retry

import "time"

// Policy decides the delay before a re-enqueued attempt.
// Attempts are 1-based: Delay(2) is the wait before the second attempt.
// ok is false once the attempt budget is spent.
type Policy interface {
	Delay(attempt int) (delay time.Duration, ok bool)
	MaxAttempts() int
}

// Exponential is a bounded exponential backoff policy with jitter.
type Exponential struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// MembershipPolicy is the policy for membership reconciliation:
// 3 attempts, waiting 5s then 10s, capped at 60s, with +/-10% jitter.
func MembershipPolicy() Exponential {
	return Exponential{
		Attempts:     3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (p Exponential) MaxAttempts() int { return p.Attempts }

func (p Exponential) Delay(attempt int) (time.Duration, bool) {
	if attempt <= 1 {
		return 0, attempt == 1
	}
	if attempt > p.Attempts {
		return 0, false
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := p.InitialDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	return applyJitter(delay, p.JitterFactor), true
}

// Schedule is a fixed per-attempt delay table. Entry k-1 is the wait before attempt k.
type Schedule []time.Duration

// RepositoryLinkSchedule is the readiness polling schedule for repository linking.
func RepositoryLinkSchedule() Schedule {
	return Schedule{
		0,
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		80 * time.Second,
		80 * time.Second,
		80 * time.Second,
		80 * time.Second,
	}
}

func (s Schedule) MaxAttempts() int { return len(s) }

func (s Schedule) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(s) {
		return 0, false
	}
	return s[attempt-1], true
}
