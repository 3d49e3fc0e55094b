package domain

import "time"

// Principal is an authenticated actor as held by the principal store.
type Principal struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Roles             []string
	Permissions       []string
	Active            bool
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RoleNames implements rbac.Subject.
func (p *Principal) RoleNames() []string {
	if p == nil {
		return nil
	}
	return p.Roles
}

// PermissionNames implements rbac.Subject.
func (p *Principal) PermissionNames() []string {
	if p == nil {
		return nil
	}
	return p.Permissions
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	cp.Permissions = append([]string(nil), p.Permissions...)
	if p.PasswordChangedAt != nil {
		changed := *p.PasswordChangedAt
		cp.PasswordChangedAt = &changed
	}
	return &cp
}
