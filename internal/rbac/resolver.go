package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// Subject is anything that carries role and direct permission grants.
type Subject interface {
	RoleNames() []string
	PermissionNames() []string
}

// Grants is a plain Subject, handy when roles come from token claims.
type Grants struct {
	Roles       []string
	Permissions []string
}

func (g Grants) RoleNames() []string       { return g.Roles }
func (g Grants) PermissionNames() []string { return g.Permissions }

// Decision is the outcome of a permission check.
type Decision struct {
	Granted bool
	Reason  string
}

// InvalidPermissionsError lists every rejected entry of a role update.
type InvalidPermissionsError struct {
	Role    string
	Invalid []string
}

func (e *InvalidPermissionsError) Error() string {
	return fmt.Sprintf("invalid permissions for role %q: %s", e.Role, strings.Join(e.Invalid, ", "))
}

func (e *InvalidPermissionsError) Unwrap() error {
	return domain.ErrInvalidPermission
}

// ResolverOptions seeds a Resolver. Zero values select the defaults.
type ResolverOptions struct {
	AdminRole string
	Roles     map[string][]string
}

// Resolver answers permission questions against one role table.
type Resolver struct {
	registry  *Registry
	adminRole string
	logger    *zap.Logger

	mu    sync.RWMutex
	roles map[string][]string
}

// NewResolver builds a resolver. Every seeded role permission must be valid.
func NewResolver(registry *Registry, opts ResolverOptions, logger *zap.Logger) (*Resolver, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AdminRole == "" {
		opts.AdminRole = RoleAdmin
	}
	if opts.Roles == nil {
		opts.Roles = DefaultRoles()
	}

	r := &Resolver{
		registry:  registry,
		adminRole: opts.AdminRole,
		logger:    logger,
		roles:     make(map[string][]string, len(opts.Roles)),
	}
	for role, perms := range opts.Roles {
		if err := r.SetPermissionsForRole(role, perms); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
	}
	return r, nil
}

// Registry returns the permission registry backing the resolver.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// AdminRole returns the role that bypasses permission checks.
func (r *Resolver) AdminRole() string {
	return r.adminRole
}

// IsValidPermission delegates to the registry.
func (r *Resolver) IsValidPermission(p string) bool {
	return r.registry.IsValidPermission(p)
}

// HasPermission decides whether subject holds permission.
func (r *Resolver) HasPermission(subject Subject, permission string) Decision {
	if !r.registry.IsValidPermission(permission) {
		r.logger.Warn("permission check with invalid permission", zap.Int("length", len(permission)))
		return Decision{Reason: "invalid permission"}
	}
	if subject == nil {
		return Decision{Reason: "missing permission " + permission}
	}

	roles := subject.RoleNames()
	for _, role := range roles {
		if role == r.adminRole {
			return Decision{Granted: true, Reason: "admin role"}
		}
	}

	if held, ok := covers(subject.PermissionNames(), permission); ok {
		return Decision{Granted: true, Reason: "direct permission " + held}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if held, ok := covers(r.roles[role], permission); ok {
			return Decision{Granted: true, Reason: "role " + role + " grants " + held}
		}
	}
	return Decision{Reason: "missing permission " + permission}
}

// HasAnyPermission grants when at least one permission is held. An empty list is denied.
func (r *Resolver) HasAnyPermission(subject Subject, permissions []string) Decision {
	for _, p := range permissions {
		if d := r.HasPermission(subject, p); d.Granted {
			return d
		}
	}
	if len(permissions) == 0 {
		return Decision{Reason: "no permissions requested"}
	}
	return Decision{Reason: "missing any of " + strings.Join(permissions, ", ")}
}

// HasAllPermissions grants when every permission is held. An empty list is granted.
func (r *Resolver) HasAllPermissions(subject Subject, permissions []string) Decision {
	for _, p := range permissions {
		if d := r.HasPermission(subject, p); !d.Granted {
			return d
		}
	}
	return Decision{Granted: true, Reason: "all permissions held"}
}

// HasRole is plain membership.
func HasRole(subject Subject, role string) bool {
	if subject == nil {
		return false
	}
	for _, r := range subject.RoleNames() {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize is HasPermission as an error, for call sites that propagate.
func (r *Resolver) Authorize(subject Subject, permission string) error {
	d := r.HasPermission(subject, permission)
	if d.Granted {
		return nil
	}
	if d.Reason == "invalid permission" {
		return domain.ErrInvalidPermission
	}
	return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, d.Reason)
}

// SetPermissionsForRole replaces a role's permissions. Nothing is written
// unless every entry is valid.
func (r *Resolver) SetPermissionsForRole(role string, permissions []string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("%w: role name required", domain.ErrValidationFailed)
	}

	var invalid []string
	seen := make(map[string]struct{}, len(permissions))
	ordered := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if !r.registry.IsValidPermission(p) {
			invalid = append(invalid, p)
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		ordered = append(ordered, p)
	}
	if len(invalid) > 0 {
		return &InvalidPermissionsError{Role: role, Invalid: invalid}
	}

	r.mu.Lock()
	r.roles[role] = ordered
	r.mu.Unlock()
	return nil
}

// RolePermissions returns a copy of a role's permissions.
func (r *Resolver) RolePermissions(role string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perms, ok := r.roles[role]
	if !ok {
		return nil, false
	}
	return append([]string(nil), perms...), true
}

// Roles returns a snapshot of the role table.
func (r *Resolver) Roles() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.roles))
	for role, perms := range r.roles {
		out[role] = append([]string(nil), perms...)
	}
	return out
}

// EffectivePermissions flattens direct and role permissions, sorted and deduplicated.
func (r *Resolver) EffectivePermissions(subject Subject) []string {
	if subject == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, p := range subject.PermissionNames() {
		set[p] = struct{}{}
	}
	r.mu.RLock()
	for _, role := range subject.RoleNames() {
		if role == r.adminRole {
			set[Wildcard] = struct{}{}
		}
		for _, p := range r.roles[role] {
			set[p] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func covers(held []string, required string) (string, bool) {
	for _, h := range held {
		if Matches(h, required) {
			return h, true
		}
	}
	return "", false
}
