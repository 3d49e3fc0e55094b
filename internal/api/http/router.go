package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/api/http/handlers"
	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/observability"
	"github.com/spec-kit/security-gateway/internal/rbac"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Admin          *handlers.AdminHandler
	Upload         *handlers.UploadHandler
	AuthMiddleware *auth.AuthMiddleware
	Guard          *auth.Guard
	Metrics        *observability.Metrics
	Security       SecurityConfig
	UploadLimits   config.UploadConfig
	Audit          audit.Emitter
	Logger         *zap.Logger
}

// RegisterRoutes wires HTTP routes. Probes and metrics are registered ahead
// of the security pipeline so they are never rate limited.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	ApplySecurity(app, cfg.Security)

	authGroup := app.Group("/auth")
	authGroup.Post("/register", cfg.Auth.Register)
	authGroup.Post("/login", cfg.Auth.Login)
	authGroup.Post("/refresh", cfg.Auth.Refresh)
	authGroup.Post("/logout", cfg.Auth.Logout)

	authenticated := authGroup.Group("", cfg.AuthMiddleware.Handle)
	authenticated.Get("/me", cfg.Auth.Me)
	authenticated.Post("/password/change", cfg.Auth.ChangePassword)

	admin := app.Group("/admin", cfg.AuthMiddleware.Handle)
	admin.Post("/users/:id/password/reset", cfg.Guard.RequirePermission(rbac.PermUsersManage), cfg.Admin.ResetPassword)
	admin.Get("/permissions", cfg.Guard.RequireAny(rbac.PermRolesManage, rbac.PermRolesRead), cfg.Admin.ListPermissions)
	admin.Get("/roles", cfg.Guard.RequireAny(rbac.PermRolesManage, rbac.PermRolesRead), cfg.Admin.ListRoles)
	admin.Put("/roles/:role/permissions", cfg.Guard.RequirePermission(rbac.PermRolesManage), cfg.Admin.SetRolePermissions)
	admin.Delete("/ratelimit/:policy/:client", cfg.Guard.RequireAll(rbac.PermSystemConfig, rbac.PermSystemManage), cfg.Admin.ResetRateLimit)

	files := app.Group("/files", cfg.AuthMiddleware.Handle)
	files.Post("/upload",
		cfg.Guard.RequirePermission(rbac.PermFilesUpload),
		UploadGuard(cfg.UploadLimits, cfg.Audit, cfg.Logger),
		cfg.Upload.Upload,
	)
}
