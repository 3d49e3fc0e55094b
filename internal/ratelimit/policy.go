package ratelimit

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/domain"
)

// Algorithm selects how a policy counts requests.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token-bucket"
	AlgorithmSlidingWindow Algorithm = "sliding-window"
)

// Built-in policy keys.
const (
	PolicyGeneral = "general"
	PolicyAuth    = "auth"
	PolicyUpload  = "upload"
)

// Policy is a named rate-limit configuration.
//
// Sliding-window policies use Limit and Window. Token-bucket policies use
// Capacity and RefillRate (tokens per second); when either is zero it is
// derived from Limit and Window, so "5 per 15 minutes" can be written the
// same way for both algorithms. Strict policies fail closed when the
// storage backend errors.
type Policy struct {
	Key        string        `validate:"required,max=64"`
	Algorithm  Algorithm     `validate:"required,oneof=token-bucket sliding-window"`
	Limit      int           `validate:"gte=0"`
	Window     time.Duration `validate:"gte=0"`
	Capacity   int           `validate:"gte=0"`
	RefillRate float64       `validate:"gte=0"`
	Strict     bool
}

var validate = validator.New()

// Normalized fills derived fields.
func (p Policy) Normalized() Policy {
	if p.Algorithm != AlgorithmTokenBucket {
		return p
	}
	if p.Capacity == 0 {
		p.Capacity = p.Limit
	}
	if p.RefillRate == 0 && p.Window > 0 {
		p.RefillRate = float64(p.Capacity) / p.Window.Seconds()
	}
	if p.Limit == 0 {
		p.Limit = p.Capacity
	}
	return p
}

// Validate reports whether the normalized policy is usable.
func (p Policy) Validate() error {
	p = p.Normalized()
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: rate limit policy %q: %v", domain.ErrConfiguration, p.Key, err)
	}
	switch p.Algorithm {
	case AlgorithmTokenBucket:
		if p.Capacity <= 0 || p.RefillRate <= 0 {
			return fmt.Errorf("%w: rate limit policy %q: token bucket needs capacity and refill rate", domain.ErrConfiguration, p.Key)
		}
	case AlgorithmSlidingWindow:
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("%w: rate limit policy %q: sliding window needs limit and window", domain.ErrConfiguration, p.Key)
		}
	}
	return nil
}

// DefaultPolicies returns the built-in general, auth and upload policies.
func DefaultPolicies() []Policy {
	return []Policy{
		{Key: PolicyGeneral, Algorithm: AlgorithmSlidingWindow, Limit: 100, Window: time.Minute},
		{Key: PolicyAuth, Algorithm: AlgorithmTokenBucket, Capacity: 5, Window: 15 * time.Minute, Strict: true},
		{Key: PolicyUpload, Algorithm: AlgorithmSlidingWindow, Limit: 20, Window: time.Hour},
	}
}

// Override applies the non-zero fields of o. Changing the size or window of
// a token bucket re-derives its refill rate unless one is given.
func (p Policy) Override(o config.PolicyConfig) Policy {
	if o.Algorithm != "" {
		p.Algorithm = Algorithm(o.Algorithm)
		if p.Algorithm == AlgorithmSlidingWindow && p.Limit == 0 {
			p.Limit = p.Capacity
		}
	}
	if o.Window > 0 {
		p.Window = o.Window
		p.RefillRate = 0
	}
	if o.Limit > 0 {
		p.Limit = o.Limit
		if p.Algorithm == AlgorithmTokenBucket {
			p.Capacity = o.Limit
			p.RefillRate = 0
		}
	}
	if o.Capacity > 0 {
		p.Capacity = o.Capacity
		p.RefillRate = 0
	}
	if o.RefillRate > 0 {
		p.RefillRate = o.RefillRate
	}
	if o.Strict != nil {
		p.Strict = *o.Strict
	}
	return p
}

// PoliciesFromConfig returns DefaultPolicies with the configured overrides applied.
func PoliciesFromConfig(cfg config.RateLimitConfig) []Policy {
	overrides := map[string]config.PolicyConfig{
		PolicyGeneral: cfg.General,
		PolicyAuth:    cfg.Auth,
		PolicyUpload:  cfg.Upload,
	}
	policies := DefaultPolicies()
	for i, p := range policies {
		policies[i] = p.Override(overrides[p.Key])
	}
	return policies
}
