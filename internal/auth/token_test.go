package auth

import (
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/security-gateway/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testPrincipal() *domain.Principal {
	return &domain.Principal{
		ID:          "5b0c7f0e-2f5d-4f43-9a4e-3f1f0d1c9e21",
		Username:    "alice",
		Roles:       []string{"developer"},
		Permissions: []string{"crash:read"},
		Active:      true,
	}
}

func TestGenerateAndParseToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tm := NewTokenManager(strongSecret, 15*time.Minute, "security-gateway", WithClock(clock.Now))

	token, issued, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"developer"}, claims.RoleNames())
	assert.Equal(t, []string{"crash:read"}, claims.PermissionNames())
	assert.Equal(t, clock.now.Add(15*time.Minute).Unix(), claims.ExpiresAtTime().Unix())
	assert.Equal(t, clock.now.Unix(), claims.IssuedAtTime().Unix())
}

func TestTokenIDsAreUnique(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "")
	_, a, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)
	_, b, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestParseTokenExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway", WithClock(clock.Now))

	token, _, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = tm.ParseToken(token)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
	assert.Equal(t, "expired", FailureCause(err))
}

func TestParseTokenTampered(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	token, _, err := tm.GenerateToken(testPrincipal())
	require.NoError(t, err)

	other := testPrincipal()
	other.Roles = []string{"admin"}
	forged, _, err := tm.GenerateToken(other)
	require.NoError(t, err)

	// Swap in the forged payload while keeping the original signature.
	orig := strings.Split(token, ".")
	swap := strings.Split(forged, ".")
	tampered := strings.Join([]string{orig[0], swap[1], orig[2]}, ".")

	_, err = tm.ParseToken(tampered)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestParseTokenWrongSecret(t *testing.T) {
	issuer := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	other := NewTokenManager(strongSecret[1:]+"Q", time.Minute, "security-gateway")

	token, _, err := issuer.GenerateToken(testPrincipal())
	require.NoError(t, err)

	_, err = other.ParseToken(token)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.Equal(t, "signature", FailureCause(err))
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "security-gateway")
	claims := &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "security-gateway",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.ParseToken(unsigned)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestParseTokenMalformed(t *testing.T) {
	tm := NewTokenManager(strongSecret, time.Minute, "")
	for _, raw := range []string{"", "not-a-token", "a.b.c"} {
		_, err := tm.ParseToken(raw)
		require.ErrorIs(t, err, domain.ErrInvalidToken, raw)
	}
}

func TestParseTokenWrongIssuer(t *testing.T) {
	a := NewTokenManager(strongSecret, time.Minute, "issuer-a")
	b := NewTokenManager(strongSecret, time.Minute, "issuer-b")
	token, _, err := a.GenerateToken(testPrincipal())
	require.NoError(t, err)

	_, err = b.ParseToken(token)
	require.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.Equal(t, "issuer", FailureCause(err))
}
