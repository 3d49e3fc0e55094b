package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/security-gateway/internal/domain"
)

func TestMemoryPrincipalStoreUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPrincipalStore()

	alice := &domain.Principal{Username: "alice", Email: "alice@example.com", Active: true}
	require.NoError(t, store.Create(ctx, alice))
	require.NotEmpty(t, alice.ID)
	assert.False(t, alice.CreatedAt.IsZero())

	err := store.Create(ctx, &domain.Principal{Username: "alice", Email: "other@example.com"})
	require.ErrorIs(t, err, domain.ErrDuplicateUsername)

	err = store.Create(ctx, &domain.Principal{Username: "alice2", Email: "ALICE@example.com"})
	require.ErrorIs(t, err, domain.ErrDuplicateEmail)
}

func TestMemoryPrincipalStoreLookupsReturnCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPrincipalStore()
	p := &domain.Principal{Username: "bob", Email: "bob@example.com", Roles: []string{"viewer"}}
	require.NoError(t, store.Create(ctx, p))

	got, err := store.FindByUsername(ctx, "bob")
	require.NoError(t, err)
	got.Roles[0] = "admin"

	again, err := store.FindByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, again.Roles)

	_, err = store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryPrincipalStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPrincipalStore()
	p := &domain.Principal{Username: "carol", Email: "carol@example.com", Active: true}
	require.NoError(t, store.Create(ctx, p))

	p.Active = false
	require.NoError(t, store.Update(ctx, p))
	got, err := store.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.ErrorIs(t, store.Update(ctx, &domain.Principal{ID: "nope"}), domain.ErrNotFound)
}
