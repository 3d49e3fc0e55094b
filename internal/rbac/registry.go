// Package rbac resolves permission grants from direct permissions, wildcards
// and role membership.
package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Wildcard is the global permission and the wildcard segment.
const Wildcard = "*"

const maxPermissionLength = 128

var (
	permissionShape = regexp.MustCompile(`^(?:[a-z][a-z0-9_-]*|\*):(?:[a-z][a-z0-9_-]*|\*)$`)
	segmentShape    = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Registry is the closed set of known permission categories and actions.
type Registry struct {
	mu         sync.RWMutex
	categories map[string]map[string]struct{}
	actions    map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		categories: make(map[string]map[string]struct{}),
		actions:    make(map[string]int),
	}
}

// DefaultRegistry returns a registry seeded with the gateway's permission catalogue.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, entry := range defaultCatalogue {
		if err := r.Register(entry.category, entry.actions...); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds actions to a category, creating the category if needed.
func (r *Registry) Register(category string, actions ...string) error {
	if !segmentShape.MatchString(category) {
		return fmt.Errorf("invalid permission category %q", category)
	}
	if len(actions) == 0 {
		return errors.New("at least one action required")
	}
	for _, action := range actions {
		if !segmentShape.MatchString(action) {
			return fmt.Errorf("invalid permission action %q", action)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.categories[category]
	if !ok {
		set = make(map[string]struct{}, len(actions))
		r.categories[category] = set
	}
	for _, action := range actions {
		if _, exists := set[action]; exists {
			continue
		}
		set[action] = struct{}{}
		r.actions[action]++
	}
	return nil
}

// IsValidPermission reports whether p is "*", a registered "category:action"
// pair, or a wildcard over a registered category or action. It never panics.
func (r *Registry) IsValidPermission(p string) bool {
	if p == Wildcard {
		return true
	}
	if len(p) == 0 || len(p) > maxPermissionLength || !permissionShape.MatchString(p) {
		return false
	}
	category, action, _ := strings.Cut(p, ":")

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case category == Wildcard && action == Wildcard:
		return false
	case category == Wildcard:
		return r.actions[action] > 0
	case action == Wildcard:
		_, ok := r.categories[category]
		return ok
	}
	set, ok := r.categories[category]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

// Permissions lists every concrete permission in the registry, sorted.
func (r *Registry) Permissions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.categories)*4)
	for category, set := range r.categories {
		for action := range set {
			out = append(out, category+":"+action)
		}
	}
	sort.Strings(out)
	return out
}

// Split breaks a permission into its category and action.
func Split(p string) (category, action string) {
	category, action, _ = strings.Cut(p, ":")
	return category, action
}

// Matches reports whether the held permission covers the required one.
func Matches(held, required string) bool {
	if held == Wildcard || held == required {
		return true
	}
	category, action := Split(required)
	return held == category+":"+Wildcard || held == Wildcard+":"+action
}
