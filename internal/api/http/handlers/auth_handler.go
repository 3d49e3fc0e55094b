package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/security-gateway/internal/api/dto"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/domain"
	"github.com/spec-kit/security-gateway/internal/rbac"
	"github.com/spec-kit/security-gateway/internal/service"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

// AuthHandler exposes the credential endpoints.
type AuthHandler struct {
	tokens              *service.TokenService
	resolver            *rbac.Resolver
	registrationEnabled bool
}

// NewAuthHandler constructs handler.
func NewAuthHandler(tokens *service.TokenService, resolver *rbac.Resolver, registrationEnabled bool) *AuthHandler {
	return &AuthHandler{tokens: tokens, resolver: resolver, registrationEnabled: registrationEnabled}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	if !h.registrationEnabled {
		return apperrors.NewForbidden("registration disabled")
	}
	var req dto.RegisterRequest
	if err := parse(c, &req); err != nil {
		return err
	}

	principal, err := h.tokens.RegisterUser(c.UserContext(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": h.principalResponse(principal)})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	result, err := h.tokens.Authenticate(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.authResponse(result)})
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	result, err := h.tokens.RefreshToken(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.authResponse(result)})
}

// Logout handles POST /auth/logout. It answers 204 whether or not the token
// was live, so callers learn nothing about other sessions.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	h.tokens.InvalidateToken(c.UserContext(), req.RefreshToken)
	return c.SendStatus(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	principal, err := h.tokens.Principal(c.UserContext(), claims.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.principalResponse(principal)})
}

// ChangePassword handles POST /auth/password/change.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.ChangePasswordRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if err := h.tokens.ChangePassword(c.UserContext(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *AuthHandler) authResponse(result *service.AuthResult) dto.AuthResponse {
	return dto.AuthResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(result.ExpiresIn.Seconds()),
		ExpiresAt:    result.ExpiresAt,
		Principal:    h.principalResponse(result.Principal),
	}
}

func (h *AuthHandler) principalResponse(p *domain.Principal) dto.PrincipalResponse {
	perms := p.Permissions
	if h.resolver != nil {
		perms = h.resolver.EffectivePermissions(p)
	}
	return dto.PrincipalResponse{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		Roles:       nonNil(p.Roles),
		Permissions: nonNil(perms),
		Active:      p.Active,
	}
}

// parse decodes the JSON body into dst and validates it. Other content
// types are refused so form or XML bodies never bypass the JSON filters.
func parse(c *fiber.Ctx, dst any) error {
	if !c.Is("json") {
		return apperrors.NewValidationError("content type must be application/json", nil)
	}
	if err := c.BodyParser(dst); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return dto.Validate(dst)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
