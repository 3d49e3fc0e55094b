package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/rbac"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// Guard builds permission-checking handlers over one resolver.
type Guard struct {
	resolver *rbac.Resolver
	audit    audit.Emitter
}

// NewGuard constructs a guard. A nil emitter disables denial records.
func NewGuard(resolver *rbac.Resolver, emitter audit.Emitter) *Guard {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &Guard{resolver: resolver, audit: emitter}
}

// RequirePermission ensures the caller holds permission.
func (g *Guard) RequirePermission(permission string) fiber.Handler {
	return g.require(permission, func(claims *Claims) rbac.Decision {
		return g.resolver.HasPermission(claims, permission)
	})
}

// RequireAny ensures the caller holds at least one of permissions.
func (g *Guard) RequireAny(permissions ...string) fiber.Handler {
	return g.require(strings.Join(permissions, "|"), func(claims *Claims) rbac.Decision {
		return g.resolver.HasAnyPermission(claims, permissions)
	})
}

// RequireAll ensures the caller holds every one of permissions.
func (g *Guard) RequireAll(permissions ...string) fiber.Handler {
	return g.require(strings.Join(permissions, "&"), func(claims *Claims) rbac.Decision {
		return g.resolver.HasAllPermissions(claims, permissions)
	})
}

func (g *Guard) require(label string, check func(*Claims) rbac.Decision) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		decision := check(claims)
		if decision.Granted {
			return c.Next()
		}
		g.audit.Emit(c.UserContext(), audit.New(audit.ActionPermissionDenied, claims.UserID, c.Path(), audit.ResultFailure).
			With("required", label).
			With("reason", decision.Reason))
		return apperrors.NewForbidden("insufficient permissions")
	}
}
