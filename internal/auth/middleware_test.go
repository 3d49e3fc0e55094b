package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/rbac"
	apperrors "github.com/spec-kit/security-gateway/pkg/util/errorutil"
)

type managerValidator struct{ tm *TokenManager }

func (v managerValidator) ValidateToken(token string) (*Claims, error) { return v.tm.ParseToken(token) }

type recordingEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (e *recordingEmitter) Emit(_ context.Context, r audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, r)
}

func newGuardedApp(t *testing.T, tm *TokenManager, emitter audit.Emitter) *fiber.App {
	t.Helper()
	resolver, err := rbac.NewResolver(nil, rbac.ResolverOptions{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		de := apperrors.ToDomainError(err)
		return c.Status(de.HTTPStatus).JSON(fiber.Map{"code": de.Code})
	}})
	guard := NewGuard(resolver, emitter)
	mw := NewAuthMiddleware(managerValidator{tm: tm})

	app.Get("/me", mw.Handle, func(c *fiber.Ctx) error {
		claims, ok := ClaimsFromContext(c)
		require.True(t, ok)
		return c.SendString(claims.Username)
	})
	app.Get("/roles", mw.Handle, guard.RequirePermission("roles:manage"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	app.Get("/crash", mw.Handle, guard.RequireAny("roles:manage", "crash:read"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	app.Get("/both", mw.Handle, guard.RequireAll("crash:read", "users:manage"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, path, token string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestAuthMiddlewareRequiresBearer(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	app := newGuardedApp(t, tm, nil)

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, app, "/me", ""))
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, app, "/me", "garbage"))

	token, _, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, doRequest(t, app, "/me", token))
}

func TestBearerTokenParsing(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		token, ok := BearerToken(c)
		if !ok {
			return c.SendStatus(http.StatusNoContent)
		}
		return c.SendString(token)
	})

	for header, want := range map[string]int{
		"":             http.StatusNoContent,
		"Basic abc":    http.StatusNoContent,
		"Bearer ":      http.StatusNoContent,
		"bearer abc":   http.StatusOK,
		"Bearer x.y.z": http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, header)
		resp.Body.Close()
	}
}

func TestGuardsEnforcePermissions(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	emitter := &recordingEmitter{}
	app := newGuardedApp(t, tm, emitter)

	// testPrincipal is a developer holding crash:read directly.
	token, _, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, doRequest(t, app, "/roles", token))
	assert.Equal(t, http.StatusOK, doRequest(t, app, "/crash", token))
	assert.Equal(t, http.StatusForbidden, doRequest(t, app, "/both", token))

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Len(t, emitter.records, 2)
	assert.Equal(t, audit.ActionPermissionDenied, emitter.records[0].Action)
	assert.Equal(t, "roles:manage", emitter.records[0].Metadata["required"])
}

func TestGuardsAdminBypass(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	app := newGuardedApp(t, tm, nil)

	admin := testPrincipal()
	admin.Roles = []string{rbac.RoleAdmin}
	admin.Permissions = nil
	token, _, err := tm.GenerateToken(admin)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(t, app, "/roles", token))
	assert.Equal(t, http.StatusOK, doRequest(t, app, "/both", token))
}
