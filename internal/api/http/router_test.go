package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/security-gateway/internal/api/http/handlers"
	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/observability"
	"github.com/spec-kit/security-gateway/internal/ratelimit"
	"github.com/spec-kit/security-gateway/internal/rbac"
	"github.com/spec-kit/security-gateway/internal/repository"
	"github.com/spec-kit/security-gateway/internal/service"
)

const routerSecret = "Xk9#mQ2$vL7!pR4&nT8*wZ3^bF6@hJ1%Gd5+Yc0=Ua4-Ke8_Ps2~Wq7?Ln3.Rt9!"

type gateway struct {
	app     *fiber.App
	tokens  *service.TokenService
	limiter *ratelimit.Limiter
	audit   *recordingAudit
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rec := &recordingAudit{}
	metrics := observability.NewMetrics()

	tokens, err := service.NewTokenService(config.AuthConfig{
		JWTSecret:       routerSecret,
		Issuer:          "security-gateway",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		CleanupInterval: time.Hour,
		BcryptCost:      bcrypt.MinCost,
		SecurityMode:    config.ModeNormal,
		DefaultRole:     rbac.RoleViewer,
	}, service.TokenDependencies{
		Principals:            repository.NewMemoryPrincipalStore(),
		Refresh:               repository.NewMemoryRefreshStore(),
		Audit:                 rec,
		Metrics:               metrics,
		Logger:                logger,
		ClearRefreshOnDestroy: true,
	})
	require.NoError(t, err)
	require.NoError(t, tokens.Initialize())
	t.Cleanup(tokens.Destroy)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryBackend(), logger)
	for _, p := range ratelimit.PoliciesFromConfig(config.RateLimitConfig{
		Auth: config.PolicyConfig{Limit: 50},
	}) {
		require.NoError(t, limiter.Configure(p))
	}
	t.Cleanup(func() { _ = limiter.Close() })

	resolver, err := rbac.NewResolver(nil, rbac.ResolverOptions{}, logger)
	require.NoError(t, err)

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, MiddlewareOptions{Timeout: 5 * time.Second})
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("security-gateway", "test", logger, handlers.Probe{Name: "rate_limiter", Check: limiter.Health}),
		Auth:           handlers.NewAuthHandler(tokens, resolver, true),
		Admin:          handlers.NewAdminHandler(tokens, resolver, limiter, rec, logger),
		Upload:         handlers.NewUploadHandler(),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Guard:          auth.NewGuard(resolver, rec),
		Metrics:        metrics,
		Security:       SecurityConfig{Limiter: limiter, Audit: rec, Metrics: metrics, Logger: logger},
		UploadLimits:   uploadLimits(),
		Audit:          rec,
		Logger:         logger,
	})
	return &gateway{app: app, tokens: tokens, limiter: limiter, audit: rec}
}

func (g *gateway) call(t *testing.T, method, target, body, bearer string) (*http.Response, string) {
	t.Helper()
	req := jsonRequest(method, target, body)
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+bearer)
	}
	return do(t, g.app, req)
}

func (g *gateway) login(t *testing.T, username, password string) (access, refresh string) {
	t.Helper()
	resp, body := g.call(t, http.MethodPost, "/auth/login", `{"username":"`+username+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return gjson.Get(body, "data.accessToken").String(), gjson.Get(body, "data.refreshToken").String()
}

func TestHealthAndMetrics(t *testing.T) {
	g := newGateway(t)

	resp, body := g.call(t, http.MethodGet, "/health/live", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", gjson.Get(body, "status").String())
	assert.Empty(t, resp.Header.Get(HeaderRateLimitLimit), "probes bypass the limiter")
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))

	resp, body = g.call(t, http.MethodGet, "/health/ready", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "ok", gjson.Get(body, "dependencies.rate_limiter").String())
	assert.False(t, gjson.Get(body, "dependencies.postgres").Exists())

	resp, body = g.call(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "http_requests_total")
}

func TestRegisterLoginAndMe(t *testing.T) {
	g := newGateway(t)

	resp, body := g.call(t, http.MethodPost, "/auth/register", `{"username":"alice","email":"alice@example.com","password":"correct-Horse-9"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "alice", gjson.Get(body, "data.username").String())
	assert.False(t, gjson.Get(body, "data.passwordHash").Exists())

	resp, body = g.call(t, http.MethodPost, "/auth/register", `{"username":"alice","email":"other@example.com","password":"correct-Horse-9"}`, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_USERNAME", gjson.Get(body, "error.code").String())

	resp, body = g.call(t, http.MethodPost, "/auth/register", `{"username":"b","email":"not-an-email","password":"short"}`, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fields := map[string]bool{}
	for _, v := range gjson.Get(body, "error.details.violations.#.field").Array() {
		fields[v.String()] = true
	}
	assert.Equal(t, map[string]bool{"username": true, "email": true, "password": true}, fields)

	access, refresh := g.login(t, "alice", "correct-Horse-9")
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	resp, body = g.call(t, http.MethodGet, "/auth/me", "", access)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "alice", gjson.Get(body, "data.username").String())
	assert.Contains(t, gjson.Get(body, "data.permissions").String(), "crash:read")

	resp, _ = g.call(t, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	g := newGateway(t)
	_, err := g.tokens.RegisterUser(context.Background(), service.RegisterInput{Username: "bob", Email: "bob@example.com", Password: "bobs-Password-1"})
	require.NoError(t, err)

	_, wrongPassword := g.call(t, http.MethodPost, "/auth/login", `{"username":"bob","password":"nope-nope-nope"}`, "")
	_, unknownUser := g.call(t, http.MethodPost, "/auth/login", `{"username":"nobody","password":"nope-nope-nope"}`, "")
	assert.Equal(t, wrongPassword, unknownUser)
	assert.Equal(t, "authentication failed", gjson.Get(wrongPassword, "error.message").String())

	resp, body := g.call(t, http.MethodGet, "/auth/me", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication failed", gjson.Get(body, "error.message").String())
}

func TestRefreshRotationAndLogout(t *testing.T) {
	g := newGateway(t)
	_, err := g.tokens.RegisterUser(context.Background(), service.RegisterInput{Username: "carol", Email: "carol@example.com", Password: "carols-Password-1"})
	require.NoError(t, err)
	_, refresh := g.login(t, "carol", "carols-Password-1")

	resp, body := g.call(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	rotated := gjson.Get(body, "data.refreshToken").String()
	assert.NotEqual(t, refresh, rotated)
	assert.Equal(t, "Bearer", gjson.Get(body, "data.tokenType").String())

	resp, _ = g.call(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "consumed token is rejected")

	resp, _ = g.call(t, http.MethodPost, "/auth/logout", `{"refreshToken":"`+rotated+`"}`, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = g.call(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+rotated+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	g := newGateway(t)
	_, err := g.tokens.RegisterUser(context.Background(), service.RegisterInput{Username: "dave", Email: "dave@example.com", Password: "daves-Password-1"})
	require.NoError(t, err)
	access, refresh := g.login(t, "dave", "daves-Password-1")

	resp, body := g.call(t, http.MethodPost, "/auth/password/change", `{"currentPassword":"wrong-Password-1","newPassword":"daves-Password-2"}`, access)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INCORRECT_PASSWORD", gjson.Get(body, "error.code").String())

	resp, _ = g.call(t, http.MethodPost, "/auth/password/change", `{"currentPassword":"daves-Password-1","newPassword":"daves-Password-2"}`, access)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = g.call(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	g.login(t, "dave", "daves-Password-2")
}

func TestAdminRoutesRequirePermissions(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	_, err := g.tokens.RegisterUser(ctx, service.RegisterInput{Username: "erin", Email: "erin@example.com", Password: "erins-Password-1"})
	require.NoError(t, err)
	_, err = g.tokens.EnsureAdmin(ctx, service.RegisterInput{Username: "root", Password: "roots-Password-1"}, rbac.RoleAdmin)
	require.NoError(t, err)

	viewer, _ := g.login(t, "erin", "erins-Password-1")
	admin, _ := g.login(t, "root", "roots-Password-1")

	resp, body := g.call(t, http.MethodGet, "/admin/roles", "", viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "insufficient permissions", gjson.Get(body, "error.message").String())
	assert.Len(t, g.audit.byAction(audit.ActionPermissionDenied), 1)

	resp, body = g.call(t, http.MethodGet, "/admin/roles", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rbac.RoleAdmin, gjson.Get(body, "data.0.role").String())

	resp, body = g.call(t, http.MethodPut, "/admin/roles/viewer/permissions", `{"permissions":["crash:read","bogus"]}`, admin)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, gjson.Get(body, "error.details.violations.0.reason").String(), "bogus")

	resp, body = g.call(t, http.MethodPut, "/admin/roles/viewer/permissions", `{"permissions":["crash:read","users:manage"]}`, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, g.audit.byAction(audit.ActionRoleUpdate), 2)

	// erin's token carries the viewer role, which now grants users:manage.
	principal, err := g.tokens.Authenticate(ctx, "erin", "erins-Password-1")
	require.NoError(t, err)
	resp, _ = g.call(t, http.MethodPost, "/admin/users/"+principal.Principal.ID+"/password/reset", `{"newPassword":"reset-Password-1"}`, viewer)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	g.login(t, "erin", "reset-Password-1")
}

func TestAdminResetsRateLimit(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	_, err := g.tokens.EnsureAdmin(ctx, service.RegisterInput{Username: "root", Password: "roots-Password-1"}, rbac.RoleAdmin)
	require.NoError(t, err)
	admin, _ := g.login(t, "root", "roots-Password-1")

	const client = "10.1.2.3"
	for i := 0; i < 3; i++ {
		_, err := g.limiter.IsAllowed(ctx, ratelimit.PolicyAuth, client, 1)
		require.NoError(t, err)
	}

	resp, _ := g.call(t, http.MethodDelete, "/admin/ratelimit/auth/"+client, "", admin)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, g.audit.byAction(audit.ActionRateLimitReset), 1)

	after, err := g.limiter.IsAllowed(ctx, ratelimit.PolicyAuth, client, 1)
	require.NoError(t, err)
	assert.Equal(t, 49, after.Remaining)

	resp, _ = g.call(t, http.MethodDelete, "/admin/ratelimit/unknown/"+client, "", admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadRoute(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	_, err := g.tokens.RegisterUser(ctx, service.RegisterInput{Username: "fay", Email: "fay@example.com", Password: "fays-Password-1"})
	require.NoError(t, err)
	viewer, _ := g.login(t, "fay", "fays-Password-1")

	req := multipartRequest(t, "/files/upload", part{"file", "a.png", "image/png", pngBytes})
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+viewer)
	resp, _ := do(t, g.app, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "viewer lacks files:upload")
	assert.Equal(t, "20", resp.Header.Get(HeaderRateLimitLimit))
}

func TestJSONEndpointsRefuseOtherBodies(t *testing.T) {
	g := newGateway(t)
	_, err := g.tokens.RegisterUser(context.Background(), service.RegisterInput{Username: "erin", Email: "erin@example.com", Password: "erins-Password-1"})
	require.NoError(t, err)

	resp, body := g.call(t, http.MethodPost, "/auth/login", `{"username":"x' OR 1=1 --","password":"whatever-123"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, body = do(t, g.app, formRequest("/auth/login", url.Values{"username": {"x' OR 1=1 --"}, "password": {"whatever-123"}}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	assert.Equal(t, "form.username", gjson.Get(body, "error.details.violations.0.field").String())

	resp, body = do(t, g.app, formRequest("/auth/login", url.Values{"username": {"erin"}, "password": {"erins-Password-1"}}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	assert.Equal(t, "VALIDATION_FAILED", gjson.Get(body, "error.code").String())
	assert.Empty(t, gjson.Get(body, "data.accessToken").String())

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`<login><username>erin</username><password>erins-Password-1</password></login>`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	resp, body = do(t, g.app, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	assert.Empty(t, g.audit.byAction(audit.ActionLogin), "no attempt reached the token service")

	access, _ := g.login(t, "erin", "erins-Password-1")
	assert.NotEmpty(t, access)
}

func TestRoleDelegation(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	_, err := g.tokens.RegisterUser(ctx, service.RegisterInput{Username: "frank", Email: "frank@example.com", Password: "franks-Password-1"})
	require.NoError(t, err)
	_, err = g.tokens.EnsureAdmin(ctx, service.RegisterInput{Username: "root", Password: "roots-Password-1"}, rbac.RoleAdmin)
	require.NoError(t, err)
	viewer, _ := g.login(t, "frank", "franks-Password-1")
	admin, _ := g.login(t, "root", "roots-Password-1")

	resp, body := g.call(t, http.MethodPut, "/admin/roles/viewer/permissions", `{"permissions":["files:read","roles:read"]}`, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = g.call(t, http.MethodGet, "/admin/permissions", "", viewer)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var listed []string
	for _, p := range gjson.Get(body, "data").Array() {
		listed = append(listed, p.String())
	}
	assert.Contains(t, listed, "roles:read")
	assert.Contains(t, listed, "users:manage")

	resp, _ = g.call(t, http.MethodGet, "/admin/roles", "", viewer)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "roles:read is enough to list roles")

	resp, _ = g.call(t, http.MethodPut, "/admin/roles/analyst/permissions", `{"permissions":["files:read"]}`, viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "listing is not managing")

	resp, body = g.call(t, http.MethodPut, "/admin/roles/viewer/permissions", `{"permissions":["files:read","roles:manage"]}`, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = g.call(t, http.MethodPut, "/admin/roles/viewer/permissions", `{"permissions":["roles:manage","users:manage"]}`, viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, body)
	perms := gjson.Get(body, "error").String()
	assert.NotContains(t, perms, "users:manage", "denials stay vague")

	var escalations int
	for _, r := range g.audit.byAction(audit.ActionRoleUpdate) {
		if r.Metadata["reason"] == "escalation" {
			escalations++
			assert.Equal(t, "users:manage", r.Metadata["permission"])
		}
	}
	assert.Equal(t, 1, escalations)

	resp, body = g.call(t, http.MethodPut, "/admin/roles/analyst/permissions", `{"permissions":["files:read"]}`, viewer)
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, _ = g.call(t, http.MethodDelete, "/admin/ratelimit/"+ratelimit.PolicyAuth+"/203.0.113.7", "", admin)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = g.call(t, http.MethodDelete, "/admin/ratelimit/"+ratelimit.PolicyAuth+"/203.0.113.7", "", viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
