package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// PrincipalStore defines persistence access for principals. Lookups return
// domain.ErrNotFound when nothing matches.
type PrincipalStore interface {
	Create(ctx context.Context, principal *domain.Principal) error
	Update(ctx context.Context, principal *domain.Principal) error
	FindByID(ctx context.Context, id string) (*domain.Principal, error)
	FindByUsername(ctx context.Context, username string) (*domain.Principal, error)
	FindByEmail(ctx context.Context, email string) (*domain.Principal, error)
}

type principalRepository struct {
	pool *pgxpool.Pool
}

// NewPrincipalRepository returns a Postgres-backed implementation.
func NewPrincipalRepository(pool *pgxpool.Pool) PrincipalStore {
	return &principalRepository{pool: pool}
}

const principalColumns = `id, username, email, password_hash, roles, permissions, active, password_changed_at, created_at, updated_at`

func (r *principalRepository) Create(ctx context.Context, p *domain.Principal) error {
	const query = `
        INSERT INTO principals (username, email, password_hash, roles, permissions, active)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		p.Username,
		p.Email,
		p.PasswordHash,
		nonNil(p.Roles),
		nonNil(p.Permissions),
		p.Active,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapUniqueViolation(err)
}

func (r *principalRepository) Update(ctx context.Context, p *domain.Principal) error {
	const query = `
        UPDATE principals SET username=$1, email=$2, password_hash=$3, roles=$4, permissions=$5,
            active=$6, password_changed_at=$7, updated_at=NOW()
        WHERE id=$8
        RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		p.Username,
		p.Email,
		p.PasswordHash,
		nonNil(p.Roles),
		nonNil(p.Permissions),
		p.Active,
		p.PasswordChangedAt,
		p.ID,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return mapUniqueViolation(err)
}

func (r *principalRepository) FindByID(ctx context.Context, id string) (*domain.Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE id=$1`, id)
}

func (r *principalRepository) FindByUsername(ctx context.Context, username string) (*domain.Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE username=$1`, username)
}

func (r *principalRepository) FindByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE lower(email)=lower($1)`, email)
}

func (r *principalRepository) findOne(ctx context.Context, query string, arg any) (*domain.Principal, error) {
	var p domain.Principal
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID,
		&p.Username,
		&p.Email,
		&p.PasswordHash,
		&p.Roles,
		&p.Permissions,
		&p.Active,
		&p.PasswordChangedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	if strings.Contains(pgErr.ConstraintName, "email") {
		return domain.ErrDuplicateEmail
	}
	return domain.ErrDuplicateUsername
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
