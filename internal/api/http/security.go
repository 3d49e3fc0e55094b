package http

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/csrf"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/domain"
	"github.com/spec-kit/security-gateway/internal/observability"
	"github.com/spec-kit/security-gateway/internal/ratelimit"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// EndpointPolicy binds a path prefix to a limiter policy.
type EndpointPolicy struct {
	Prefix string
	Policy string
}

// DefaultEndpointPolicies routes credential and upload endpoints to their
// dedicated policies.
func DefaultEndpointPolicies() []EndpointPolicy {
	return []EndpointPolicy{
		{Prefix: "/auth/login", Policy: ratelimit.PolicyAuth},
		{Prefix: "/auth/register", Policy: ratelimit.PolicyAuth},
		{Prefix: "/auth/refresh", Policy: ratelimit.PolicyAuth},
		{Prefix: "/auth/password", Policy: ratelimit.PolicyAuth},
		{Prefix: "/files/upload", Policy: ratelimit.PolicyUpload},
	}
}

// SecurityConfig bundles what the security pipeline needs.
type SecurityConfig struct {
	Limiter          *ratelimit.Limiter
	Audit            audit.Emitter
	Metrics          *observability.Metrics
	Logger           *zap.Logger
	Hardened         bool
	CSRF             config.CSRFConfig
	GeneralPolicy    string
	EndpointPolicies []EndpointPolicy
	ExemptFields     []string
}

func (cfg *SecurityConfig) defaults() {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.GeneralPolicy == "" {
		cfg.GeneralPolicy = ratelimit.PolicyGeneral
	}
	if cfg.EndpointPolicies == nil {
		cfg.EndpointPolicies = DefaultEndpointPolicies()
	}
	if cfg.ExemptFields == nil {
		cfg.ExemptFields = DefaultScreenExemptFields
	}
}

// ApplySecurity mounts the request security pipeline in order: headers,
// general limiter, endpoint limiter, CSRF, SQL screen, markup escaping.
func ApplySecurity(router fiber.Router, cfg SecurityConfig) {
	cfg.defaults()
	router.Use(SecureHeaders(cfg.Hardened))
	if cfg.Limiter != nil {
		general := cfg.GeneralPolicy
		router.Use(RateLimit(cfg, func(*fiber.Ctx) string { return general }))
		endpoints := cfg.EndpointPolicies
		router.Use(RateLimit(cfg, func(c *fiber.Ctx) string { return endpointPolicy(endpoints, c.Path()) }))
	}
	router.Use(CSRF(cfg.CSRF))
	router.Use(SQLScreen(cfg.Logger, cfg.Hardened, cfg.ExemptFields))
	router.Use(EscapeFilter(cfg.ExemptFields))
}

// SecureHeaders sets browser hardening headers through unrolled/secure.
func SecureHeaders(hardened bool) fiber.Handler {
	opts := secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		ForceSTSHeader:        hardened,
	}
	return adaptor.HTTPMiddleware(secure.New(opts).Handler)
}

func endpointPolicy(policies []EndpointPolicy, path string) string {
	for _, p := range policies {
		if path == p.Prefix || strings.HasPrefix(path, strings.TrimSuffix(p.Prefix, "/")+"/") {
			return p.Policy
		}
	}
	return ""
}

// RateLimit consults the limiter for the policy chosen by pick, keyed by
// client IP. An empty policy name skips the check.
func RateLimit(cfg SecurityConfig, pick func(*fiber.Ctx) string) fiber.Handler {
	cfg.defaults()
	return func(c *fiber.Ctx) error {
		policy := pick(c)
		if policy == "" {
			return c.Next()
		}
		client := c.IP()
		decision, err := cfg.Limiter.IsAllowed(c.UserContext(), policy, client, 1)
		if err != nil {
			cfg.Metrics.RecordRateLimit(policy, "fail_closed")
			if errors.Is(err, domain.ErrConfigurationMissing) {
				cfg.Logger.Error("rate limit policy missing", zap.String("policy", policy))
			}
			return apperrors.NewInternalError(err)
		}

		c.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
		c.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
		if !decision.ResetAt.IsZero() {
			c.Set(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		switch {
		case decision.Degraded:
			cfg.Metrics.RecordRateLimit(policy, "fail_open")
		case decision.Allowed:
			cfg.Metrics.RecordRateLimit(policy, "allowed")
		}
		if decision.Allowed {
			return c.Next()
		}

		cfg.Metrics.RecordRateLimit(policy, "denied")
		retry := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		cfg.Audit.Emit(c.UserContext(),
			audit.New(audit.ActionRateLimited, client, c.Path(), audit.ResultFailure).
				With("policy", policy).
				With("retry_after", strconv.Itoa(retry)))
		return apperrors.NewTooManyRequests(retry)
	}
}

// CSRF enforces the double-submit cookie on unsafe requests from browser
// sessions. Bearer-authenticated requests and unsafe requests carrying no
// cookies are not browser sessions and pass through.
func CSRF(cfg config.CSRFConfig) fiber.Handler {
	header := cfg.HeaderName
	if header == "" {
		header = "X-CSRF-Token"
	}
	return csrf.New(csrf.Config{
		Next: func(c *fiber.Ctx) bool {
			if _, ok := auth.BearerToken(c); ok {
				return true
			}
			return !isSafeMethod(c.Method()) && len(c.Request().Header.Peek(fiber.HeaderCookie)) == 0
		},
		KeyLookup:      "header:" + header,
		CookieName:     cfg.CookieName,
		CookieSameSite: "Lax",
		CookieSecure:   cfg.CookieSecure,
		CookieHTTPOnly: false,
		Expiration:     cfg.Expiration,
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace:
		return true
	}
	return false
}
