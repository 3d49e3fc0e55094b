package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// RefreshStore persists refresh-token records keyed by token hash.
// Consume is an atomic get-and-delete: of any number of concurrent calls for
// one hash, at most one returns the record. It returns domain.ErrNotFound
// when the hash is unknown; expiry is left to the caller.
type RefreshStore interface {
	Save(ctx context.Context, record domain.RefreshRecord) error
	Consume(ctx context.Context, tokenHash string) (*domain.RefreshRecord, error)
	Delete(ctx context.Context, tokenHash string) (bool, error)
	DeleteForUser(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Clear(ctx context.Context) error
}

type refreshRepository struct {
	pool *pgxpool.Pool
}

// NewRefreshRepository constructs a Postgres-backed refresh store.
func NewRefreshRepository(pool *pgxpool.Pool) RefreshStore {
	return &refreshRepository{pool: pool}
}

func (r *refreshRepository) Save(ctx context.Context, record domain.RefreshRecord) error {
	const query = `
        INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
        VALUES ($1,$2,$3,$4)`
	_, err := r.pool.Exec(ctx, query,
		record.TokenHash,
		record.UserID,
		record.ExpiresAt,
		record.CreatedAt,
	)
	return err
}

func (r *refreshRepository) Consume(ctx context.Context, tokenHash string) (*domain.RefreshRecord, error) {
	const query = `
        DELETE FROM refresh_tokens WHERE token_hash=$1
        RETURNING token_hash, user_id, expires_at, created_at`
	var record domain.RefreshRecord
	if err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&record.TokenHash,
		&record.UserID,
		&record.ExpiresAt,
		&record.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *refreshRepository) Delete(ctx context.Context, tokenHash string) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *refreshRepository) DeleteForUser(ctx context.Context, userID string) (int, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *refreshRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *refreshRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens`)
	return err
}
