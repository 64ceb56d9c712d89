package async

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/teranos/studioos/am"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// Delay grows exponentially from Base by Factor and is capped at Max.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool // ±20% randomization, still bounded by Max

	rand func() float64
}

// DefaultRetryPolicy returns 2s, 4s, 8s, ... capped at five minutes
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:   2 * time.Second,
		Max:    5 * time.Minute,
		Factor: 2,
		Jitter: true,
	}
}

// RetryPolicyFromConfig builds the policy from engine settings
func RetryPolicyFromConfig(cfg am.EngineConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.BackoffBaseMS > 0 {
		p.Base = time.Duration(cfg.BackoffBaseMS) * time.Millisecond
	}
	if cfg.BackoffMaxMS > 0 {
		p.Max = time.Duration(cfg.BackoffMaxMS) * time.Millisecond
	}
	if cfg.BackoffFactor >= 1 {
		p.Factor = cfg.BackoffFactor
	}
	p.Jitter = cfg.BackoffJitter
	return p
}

// ShouldRetry reports whether the job has attempts left
func (p RetryPolicy) ShouldRetry(job *Job) bool {
	return job.Attempts < job.MaxAttempts
}

// Delay returns the wait before the attempt following attempt number
// `attempts` (1-based). Without jitter it never decreases as attempts grow.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.Base) * math.Pow(factor, float64(attempts-1))
	if p.Jitter {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay *= 0.8 + 0.4*r()
	}
	if p.Max > 0 && (delay > float64(p.Max) || math.IsInf(delay, 0) || math.IsNaN(delay)) {
		return p.Max
	}
	return time.Duration(delay)
}
