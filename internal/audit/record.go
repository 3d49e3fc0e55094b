package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action identifies an audited security event.
type Action string

const (
	ActionLogin            Action = "auth.login"
	ActionRefresh          Action = "auth.refresh"
	ActionLogout           Action = "auth.logout"
	ActionRegister         Action = "auth.register"
	ActionPasswordChange   Action = "auth.password_change"
	ActionPasswordReset    Action = "auth.password_reset"
	ActionRoleUpdate       Action = "rbac.role_update"
	ActionPermissionDenied Action = "rbac.permission_denied"
	ActionRateLimited      Action = "ratelimit.rejected"
	ActionRateLimitReset   Action = "ratelimit.reset"
	ActionUploadRejected   Action = "upload.rejected"
)

// Result is the outcome recorded for an action.
type Result string

const (
	ResultPending Result = "pending"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Record is one audit log entry. Metadata must never carry credentials.
type Record struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Actor      string            `json:"actor,omitempty"`
	Action     Action            `json:"action"`
	Resource   string            `json:"resource,omitempty"`
	Result     Result            `json:"result"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// New builds a record stamped with a fresh id and the current time.
func New(action Action, actor, resource string, result Result) Record {
	return Record{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		Result:     result,
	}
}

// With returns a copy of the record carrying one extra metadata pair.
func (r Record) With(key, value string) Record {
	meta := make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta[key] = value
	r.Metadata = meta
	return r
}

// detach copies every string so the record no longer aliases request
// buffers that fiber reuses once the handler returns.
func (r Record) detach() Record {
	r.ID = strings.Clone(r.ID)
	r.Actor = strings.Clone(r.Actor)
	r.Resource = strings.Clone(r.Resource)
	if len(r.Metadata) > 0 {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[strings.Clone(k)] = strings.Clone(v)
		}
		r.Metadata = meta
	}
	return r
}
