package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/security-gateway/internal/audit"
)

// AuditRepository appends audit records to the audit_log table.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository returns a Postgres audit sink.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Write implements audit.Sink.
func (r *AuditRepository) Write(ctx context.Context, record audit.Record) error {
	if r == nil || r.pool == nil {
		return errors.New("audit repository not initialised")
	}
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO audit_log (id, occurred_at, actor, action, resource, result, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = r.pool.Exec(ctx, query,
		record.ID,
		record.OccurredAt,
		record.Actor,
		string(record.Action),
		record.Resource,
		string(record.Result),
		meta,
	)
	return err
}
