package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/api/dto"
	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/domain"
	"github.com/spec-kit/security-gateway/internal/ratelimit"
	"github.com/spec-kit/security-gateway/internal/rbac"
	"github.com/spec-kit/security-gateway/internal/service"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// AdminHandler serves the administrative endpoints. Routes are guarded by
// permission checks before reaching it.
type AdminHandler struct {
	tokens   *service.TokenService
	resolver *rbac.Resolver
	limiter  *ratelimit.Limiter
	audit    audit.Emitter
	logger   *zap.Logger
}

// NewAdminHandler constructs handler.
func NewAdminHandler(tokens *service.TokenService, resolver *rbac.Resolver, limiter *ratelimit.Limiter, emitter audit.Emitter, logger *zap.Logger) *AdminHandler {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{tokens: tokens, resolver: resolver, limiter: limiter, audit: emitter, logger: logger}
}

// ResetPassword handles POST /admin/users/:id/password/reset.
func (h *AdminHandler) ResetPassword(c *fiber.Ctx) error {
	var req dto.ResetPasswordRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if err := h.tokens.ResetPassword(c.UserContext(), actor(c), c.Params("id"), req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// ListRoles handles GET /admin/roles.
func (h *AdminHandler) ListRoles(c *fiber.Ctx) error {
	roles := h.resolver.Roles()
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]dto.RoleResponse, 0, len(names))
	for _, name := range names {
		out = append(out, dto.RoleResponse{Role: name, Permissions: nonNil(roles[name])})
	}
	return c.JSON(fiber.Map{"data": out})
}

// ListPermissions handles GET /admin/permissions.
func (h *AdminHandler) ListPermissions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.resolver.Registry().Permissions()})
}

// SetRolePermissions handles PUT /admin/roles/:role/permissions. Callers can
// only grant permissions they hold themselves.
func (h *AdminHandler) SetRolePermissions(c *fiber.Ctx) error {
	role := strings.Clone(c.Params("role"))
	var req dto.RolePermissionsRequest
	if err := parse(c, &req); err != nil {
		return err
	}

	if claims, ok := auth.ClaimsFromContext(c); ok {
		for _, p := range req.Permissions {
			err := h.resolver.Authorize(claims, p)
			if err == nil || errors.Is(err, domain.ErrInvalidPermission) {
				continue
			}
			h.audit.Emit(c.UserContext(),
				audit.New(audit.ActionRoleUpdate, actor(c), "role:"+role, audit.ResultFailure).
					With("reason", "escalation").
					With("permission", p))
			return err
		}
	}

	if err := h.resolver.SetPermissionsForRole(role, req.Permissions); err != nil {
		h.audit.Emit(c.UserContext(),
			audit.New(audit.ActionRoleUpdate, actor(c), "role:"+role, audit.ResultFailure))
		var invalid *rbac.InvalidPermissionsError
		if errors.As(err, &invalid) {
			violations := make([]apperrors.FieldViolation, 0, len(invalid.Invalid))
			for _, p := range invalid.Invalid {
				violations = append(violations, apperrors.FieldViolation{Field: "permissions", Reason: "invalid permission " + p})
			}
			return apperrors.NewViolations("invalid permissions", violations)
		}
		return err
	}

	h.logger.Info("role permissions updated", zap.String("role", role), zap.Int("count", len(req.Permissions)))
	h.audit.Emit(c.UserContext(),
		audit.New(audit.ActionRoleUpdate, actor(c), "role:"+role, audit.ResultSuccess).
			With("permissions", strings.Join(req.Permissions, ",")))

	perms, _ := h.resolver.RolePermissions(role)
	return c.JSON(fiber.Map{"data": dto.RoleResponse{Role: role, Permissions: nonNil(perms)}})
}

// ResetRateLimit handles DELETE /admin/ratelimit/:policy/:client.
func (h *AdminHandler) ResetRateLimit(c *fiber.Ctx) error {
	policy, client := c.Params("policy"), c.Params("client")
	if _, ok := h.limiter.Policy(policy); !ok {
		return apperrors.NewNotFound("rate limit policy", map[string]any{"policy": policy})
	}
	if err := h.limiter.Reset(c.UserContext(), policy, client); err != nil {
		return err
	}
	h.audit.Emit(c.UserContext(),
		audit.New(audit.ActionRateLimitReset, actor(c), "ratelimit:"+policy, audit.ResultSuccess).With("client", client))
	return c.SendStatus(http.StatusNoContent)
}

func actor(c *fiber.Ctx) string {
	if claims, ok := auth.ClaimsFromContext(c); ok {
		return claims.UserID
	}
	return ""
}
