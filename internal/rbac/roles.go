package rbac

// Built-in role names.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleAnalyst   = "analyst"
	RoleViewer    = "viewer"
)

// Permissions checked by the HTTP API.
const (
	PermUsersManage  = "users:manage"
	PermRolesRead    = "roles:read"
	PermRolesManage  = "roles:manage"
	PermSystemConfig = "system:config"
	PermSystemManage = "system:manage"
	PermFilesUpload  = "files:upload"
)

type catalogueEntry struct {
	category string
	actions  []string
}

var defaultCatalogue = []catalogueEntry{
	{"plugin", []string{"read", "create", "update", "delete", "install", "execute", "configure"}},
	{"knowledge", []string{"read", "create", "update", "delete", "search"}},
	{"crash", []string{"read", "analyze", "delete", "export"}},
	{"files", []string{"read", "write", "upload", "delete"}},
	{"users", []string{"read", "create", "update", "delete", "manage"}},
	{"roles", []string{"read", "manage"}},
	{"system", []string{"read", "config", "monitor", "manage"}},
	{"audit", []string{"read", "export"}},
}

// DefaultRoles returns a fresh copy of the seeded role table.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		RoleAdmin: {Wildcard},
		RoleDeveloper: {
			"plugin:*", "knowledge:read", "knowledge:create", "knowledge:update",
			"crash:*", "files:*", "system:monitor",
		},
		RoleAnalyst: {
			"knowledge:*", "crash:read", "crash:analyze", "crash:export",
			"files:read", "files:upload", "audit:read",
		},
		RoleViewer: {
			"plugin:read", "knowledge:read", "knowledge:search", "crash:read", "files:read",
		},
	}
}
