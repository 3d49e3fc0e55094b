package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/domain"
	"github.com/spec-kit/security-gateway/internal/observability"
	"github.com/spec-kit/security-gateway/internal/repository"
)

const refreshTokenBytes = 32

type serviceState int

const (
	stateUninitialized serviceState = iota
	stateInitialized
	stateDestroyed
)

// AuthResult is returned by Authenticate and RefreshToken.
type AuthResult struct {
	Principal    *domain.Principal
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// TokenDependencies encapsulates collaborators of the token service.
type TokenDependencies struct {
	Principals repository.PrincipalStore
	Refresh    repository.RefreshStore
	Audit      audit.Emitter
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
	// ClearRefreshOnDestroy wipes the refresh store on Destroy. Only
	// sensible for process-local stores.
	ClearRefreshOnDestroy bool
}

// TokenService issues, validates, rotates and revokes credentials.
type TokenService struct {
	principals repository.PrincipalStore
	refresh    repository.RefreshStore
	tokens     *auth.TokenManager
	audit      audit.Emitter
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time

	refreshTTL      time.Duration
	cleanupInterval time.Duration
	passwords       *auth.PasswordHasher
	defaultRole     string
	clearOnDestroy  bool

	mu     sync.Mutex
	state  serviceState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTokenService validates the signing secret and builds the service.
func NewTokenService(cfg config.AuthConfig, deps TokenDependencies) (*TokenService, error) {
	if deps.Principals == nil || deps.Refresh == nil {
		return nil, fmt.Errorf("%w: principal and refresh stores are required", domain.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tokens")

	mode := auth.SecretModeNormal
	if cfg.IsHardened() {
		mode = auth.SecretModeHardened
	}
	policy := auth.DefaultSecretPolicy()
	if cfg.MinSecretLength > 0 {
		policy.MinLength = cfg.MinSecretLength
	}
	if cfg.HardenedSecretLength > 0 {
		policy.HardenedMinLength = cfg.HardenedSecretLength
	}
	policy.Denylist = append(append([]string{}, policy.Denylist...), cfg.SecretDenylist...)

	warnings, err := auth.ValidateSecret(cfg.JWTSecret, mode, policy)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("weak signing secret", zap.String("finding", w))
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	emitter := deps.Audit
	if emitter == nil {
		emitter = audit.Nop{}
	}

	passwords, err := auth.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	defaultRole := cfg.DefaultRole
	if defaultRole == "" {
		defaultRole = "viewer"
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &TokenService{
		principals:      deps.Principals,
		refresh:         deps.Refresh,
		tokens:          auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.Issuer, auth.WithClock(now)),
		audit:           emitter,
		metrics:         deps.Metrics,
		logger:          logger,
		now:             now,
		refreshTTL:      refreshTTL,
		cleanupInterval: interval,
		passwords:       passwords,
		defaultRole:     defaultRole,
		clearOnDestroy:  deps.ClearRefreshOnDestroy,
	}, nil
}

// Initialize starts the periodic refresh-token sweep.
func (s *TokenService) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateInitialized:
		return domain.ErrAlreadyInitialized
	case stateDestroyed:
		return domain.ErrServiceDestroyed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = stateInitialized
	s.wg.Add(1)
	go s.cleanupLoop(ctx)
	s.logger.Info("token service initialized", zap.Duration("cleanup_interval", s.cleanupInterval))
	return nil
}

func (s *TokenService) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("refresh token cleanup failed", zap.Error(err))
			}
		}
	}
}

// Destroy stops the sweep and waits for it. Safe to call more than once.
func (s *TokenService) Destroy() {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = stateDestroyed
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.clearOnDestroy {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.refresh.Clear(ctx); err != nil {
			s.logger.Warn("clear refresh tokens failed", zap.Error(err))
		}
	}
	s.logger.Info("token service destroyed")
}

func (s *TokenService) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDestroyed {
		return domain.ErrServiceDestroyed
	}
	return nil
}

// Authenticate verifies credentials and issues an access/refresh token pair.
// Unknown usernames and wrong passwords return the same error.
func (s *TokenService) Authenticate(ctx context.Context, username, password string) (*AuthResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	principal, err := s.lookup(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		s.passwords.VerifyMissing(password)
		s.recordLogin(ctx, username, audit.ResultFailure, "invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.passwords.Verify(principal.PasswordHash, password) {
		s.recordLogin(ctx, username, audit.ResultFailure, "invalid_credentials")
		return nil, domain.ErrInvalidCredentials
	}
	if !principal.Active {
		s.recordLogin(ctx, username, audit.ResultFailure, "inactive")
		return nil, domain.ErrAccountInactive
	}
	if s.passwords.NeedsRehash(principal.PasswordHash) {
		s.rehash(ctx, principal, password)
	}

	result, err := s.issue(ctx, principal)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, username, audit.ResultSuccess, "success")
	return result, nil
}

func (s *TokenService) lookup(ctx context.Context, login string) (*domain.Principal, error) {
	if login == "" {
		return nil, domain.ErrNotFound
	}
	if strings.Contains(login, "@") {
		return s.principals.FindByEmail(ctx, login)
	}
	return s.principals.FindByUsername(ctx, login)
}

func (s *TokenService) recordLogin(ctx context.Context, username string, result audit.Result, outcome string) {
	s.metrics.RecordAuth("login", outcome)
	s.audit.Emit(ctx, audit.New(audit.ActionLogin, username, "session", result).With("outcome", outcome))
}

// ValidateToken verifies an access token's signature and expiry.
func (s *TokenService) ValidateToken(token string) (*auth.Claims, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		s.logger.Debug("access token rejected", zap.String("cause", auth.FailureCause(err)))
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken consumes a refresh token and issues a new pair. Each refresh
// token is accepted at most once.
func (s *TokenService) RefreshToken(ctx context.Context, token string) (*AuthResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, domain.ErrInvalidRefreshToken
	}

	record, err := s.refresh.Consume(ctx, hashToken(token))
	if errors.Is(err, domain.ErrNotFound) {
		s.recordRefresh(ctx, "", audit.ResultFailure, "unknown")
		return nil, domain.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if record.Expired(s.now()) {
		s.recordRefresh(ctx, record.UserID, audit.ResultFailure, "expired")
		return nil, domain.ErrInvalidRefreshToken
	}

	principal, err := s.principals.FindByID(ctx, record.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		s.recordRefresh(ctx, record.UserID, audit.ResultFailure, "unknown_principal")
		return nil, domain.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if !principal.Active {
		s.recordRefresh(ctx, record.UserID, audit.ResultFailure, "inactive")
		return nil, domain.ErrAccountInactive
	}

	result, err := s.issue(ctx, principal)
	if err != nil {
		return nil, err
	}
	s.recordRefresh(ctx, record.UserID, audit.ResultSuccess, "success")
	return result, nil
}

func (s *TokenService) recordRefresh(ctx context.Context, userID string, result audit.Result, outcome string) {
	s.metrics.RecordAuth("refresh", outcome)
	s.audit.Emit(ctx, audit.New(audit.ActionRefresh, userID, "refresh_token", result).With("outcome", outcome))
}

// InvalidateToken revokes a refresh token. It never fails; the result
// reports whether a live token was removed.
func (s *TokenService) InvalidateToken(ctx context.Context, token string) bool {
	if s.usable() != nil || token == "" {
		return false
	}
	removed, err := s.refresh.Delete(ctx, hashToken(token))
	if err != nil {
		s.logger.Warn("refresh token revocation failed", zap.Error(err))
		return false
	}
	result := audit.ResultSuccess
	if !removed {
		result = audit.ResultFailure
	}
	s.metrics.RecordAuth("logout", string(result))
	s.audit.Emit(ctx, audit.New(audit.ActionLogout, "", "refresh_token", result))
	return removed
}

// ChangePassword replaces the password after verifying the current one and
// revokes the principal's refresh tokens.
func (s *TokenService) ChangePassword(ctx context.Context, principalID, currentPassword, newPassword string) error {
	if err := s.usable(); err != nil {
		return err
	}
	principal, err := s.principals.FindByID(ctx, principalID)
	if err != nil {
		return err
	}
	if !s.passwords.Verify(principal.PasswordHash, currentPassword) {
		s.metrics.RecordAuth("password_change", "incorrect_password")
		s.audit.Emit(ctx, audit.New(audit.ActionPasswordChange, principalID, "principal", audit.ResultFailure))
		return domain.ErrIncorrectPassword
	}
	if err := s.setPassword(ctx, principal, newPassword); err != nil {
		return err
	}
	s.metrics.RecordAuth("password_change", "success")
	s.audit.Emit(ctx, audit.New(audit.ActionPasswordChange, principalID, "principal", audit.ResultSuccess))
	return nil
}

// ResetPassword replaces the password without the current one. Callers must
// have authorized the actor.
func (s *TokenService) ResetPassword(ctx context.Context, actorID, principalID, newPassword string) error {
	if err := s.usable(); err != nil {
		return err
	}
	principal, err := s.principals.FindByID(ctx, principalID)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, principal, newPassword); err != nil {
		return err
	}
	s.metrics.RecordAuth("password_reset", "success")
	s.audit.Emit(ctx, audit.New(audit.ActionPasswordReset, actorID, "principal:"+principalID, audit.ResultSuccess))
	return nil
}

func (s *TokenService) setPassword(ctx context.Context, principal *domain.Principal, password string) error {
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}
	changed := s.now().UTC()
	principal.PasswordHash = hash
	principal.PasswordChangedAt = &changed
	if err := s.principals.Update(ctx, principal); err != nil {
		return err
	}
	if n, err := s.refresh.DeleteForUser(ctx, principal.ID); err != nil {
		s.logger.Warn("revoke refresh tokens failed", zap.String("principal_id", principal.ID), zap.Error(err))
	} else if n > 0 {
		s.logger.Info("revoked refresh tokens", zap.String("principal_id", principal.ID), zap.Int("count", n))
	}
	return nil
}

// rehash upgrades a stored hash to the current cost after a successful
// login. Failures are logged; the login itself already succeeded.
func (s *TokenService) rehash(ctx context.Context, principal *domain.Principal, password string) {
	hash, err := s.passwords.Hash(password)
	if err != nil {
		s.logger.Warn("rehash password failed", zap.String("principal_id", principal.ID), zap.Error(err))
		return
	}
	updated := principal.Clone()
	updated.PasswordHash = hash
	if err := s.principals.Update(ctx, updated); err != nil {
		s.logger.Warn("store rehashed password failed", zap.String("principal_id", principal.ID), zap.Error(err))
		return
	}
	principal.PasswordHash = hash
	s.logger.Info("password rehashed", zap.String("principal_id", principal.ID), zap.Int("cost", s.passwords.Cost()))
}

// RegisterUser creates an active principal with the default role.
func (s *TokenService) RegisterUser(ctx context.Context, in RegisterInput) (*domain.Principal, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if in.Username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password required", domain.ErrValidationFailed)
	}

	if _, err := s.principals.FindByUsername(ctx, in.Username); err == nil {
		return nil, domain.ErrDuplicateUsername
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if in.Email != "" {
		if _, err := s.principals.FindByEmail(ctx, in.Email); err == nil {
			return nil, domain.ErrDuplicateEmail
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	principal := &domain.Principal{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Roles:        []string{s.defaultRole},
		Permissions:  []string{},
		Active:       true,
	}
	if err := s.principals.Create(ctx, principal); err != nil {
		return nil, err
	}
	s.metrics.RecordAuth("register", "success")
	s.audit.Emit(ctx, audit.New(audit.ActionRegister, principal.ID, "principal", audit.ResultSuccess))
	return principal, nil
}

// EnsureAdmin creates an active principal holding adminRole unless the
// username is already taken. It reports whether a principal was created.
func (s *TokenService) EnsureAdmin(ctx context.Context, in RegisterInput, adminRole string) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if in.Username == "" || in.Password == "" {
		return false, fmt.Errorf("%w: username and password required", domain.ErrValidationFailed)
	}
	if _, err := s.principals.FindByUsername(ctx, in.Username); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return false, err
	}
	principal := &domain.Principal{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Roles:        []string{adminRole},
		Permissions:  []string{},
		Active:       true,
	}
	if err := s.principals.Create(ctx, principal); err != nil {
		return false, err
	}
	s.logger.Info("bootstrap admin created", zap.String("username", in.Username))
	s.audit.Emit(ctx, audit.New(audit.ActionRegister, principal.ID, "principal", audit.ResultSuccess).With("role", adminRole))
	return true, nil
}

// Cleanup removes expired refresh tokens and returns how many were removed.
func (s *TokenService) Cleanup(ctx context.Context) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	n, err := s.refresh.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("expired refresh tokens removed", zap.Int("count", n))
	}
	return n, nil
}

// Principal loads a principal by id.
func (s *TokenService) Principal(ctx context.Context, id string) (*domain.Principal, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.principals.FindByID(ctx, id)
}

// AccessTokenTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.tokens.TTL()
}

func (s *TokenService) issue(ctx context.Context, principal *domain.Principal) (*AuthResult, error) {
	access, claims, err := s.tokens.GenerateToken(principal)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.refresh.Save(ctx, domain.RefreshRecord{
		TokenHash: hashToken(refresh),
		UserID:    principal.ID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	safe := principal.Clone()
	safe.PasswordHash = ""
	return &AuthResult{
		Principal:    safe,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.tokens.TTL(),
		ExpiresAt:    claims.ExpiresAtTime(),
	}, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
