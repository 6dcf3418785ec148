// Package auth authenticates API requests with user-issued API keys.
//
// A key has the form "sk_" + 12 hex characters of public prefix + 48 hex
// characters of secret. The prefix is stored in clear and indexed; the full
// key is stored only as a bcrypt hash.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"aisaas/internal/billing"
	"aisaas/internal/types"
)

const (
	// KeyPrefix starts every API key.
	KeyPrefix = "sk_"

	prefixHexLen = 12
	secretHexLen = 48
	keyLen       = len(KeyPrefix) + prefixHexLen + secretHexLen

	// bcryptCost trades hashing time against per-request verification latency.
	bcryptCost = bcrypt.DefaultCost
)

// KeyHasher abstracts bcrypt for testability.
type KeyHasher interface {
	Compare(hash, key string) error
	Hash(key string) (string, error)
}

type bcryptHasher struct{}

func (bcryptHasher) Compare(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

func (bcryptHasher) Hash(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewBcryptHasher returns the production KeyHasher.
func NewBcryptHasher() KeyHasher { return bcryptHasher{} }

// GenerateKey returns a new random API key and its public prefix.
func GenerateKey() (key, prefix string, err error) {
	b := make([]byte, (prefixHexLen+secretHexLen)/2)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(b)
	return key, key[:len(KeyPrefix)+prefixHexLen], nil
}

// ParsePrefix returns the lookup prefix of key, or false when key is not
// shaped like an API key.
func ParsePrefix(key string) (string, bool) {
	if len(key) != keyLen || !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	if _, err := hex.DecodeString(key[len(KeyPrefix):]); err != nil {
		return "", false
	}
	return key[:len(KeyPrefix)+prefixHexLen], true
}

// KeyReader is the credential store used on the request path.
type KeyReader interface {
	GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// UserReader loads the owner of a key.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// PlanResolver resolves a user's effective plan.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (billing.EffectivePlan, error)
}

// APIKeyAuthenticator resolves API keys to Actors. It satisfies
// core.Authenticator.
type APIKeyAuthenticator struct {
	keys   KeyReader
	users  UserReader
	plans  PlanResolver
	hasher KeyHasher
	now    func() time.Time
	logger *slog.Logger
}

// AuthenticatorOption configures an APIKeyAuthenticator.
type AuthenticatorOption func(*APIKeyAuthenticator)

// WithHasher overrides the bcrypt hasher.
func WithHasher(h KeyHasher) AuthenticatorOption {
	return func(a *APIKeyAuthenticator) { a.hasher = h }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *APIKeyAuthenticator) { a.now = now }
}

// NewAPIKeyAuthenticator creates an authenticator. If logger is nil,
// slog.Default() is used.
func NewAPIKeyAuthenticator(keys KeyReader, users UserReader, plans PlanResolver, logger *slog.Logger, opts ...AuthenticatorOption) *APIKeyAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &APIKeyAuthenticator{
		keys:   keys,
		users:  users,
		plans:  plans,
		hasher: bcryptHasher{},
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ResolveToken verifies token and returns the Actor of its owner.
//
// Unknown, malformed, mismatched and expired keys all yield
// ErrCodeAuthTokenInvalid; revoked keys yield ErrCodeAuthTokenRevoked. Store
// failures are returned unchanged.
//
// Actor.Plan drives the per-minute throttle only. When the plan cannot be
// resolved the actor is throttled as Free; the admission gate resolves the
// plan again and fails closed on its own.
func (a *APIKeyAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	prefix, ok := ParsePrefix(token)
	if !ok {
		return nil, invalidToken()
	}

	key, err := a.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundAPIKey {
			return nil, invalidToken()
		}
		return nil, err
	}

	if err := a.hasher.Compare(key.KeyHash, token); err != nil {
		return nil, invalidToken()
	}

	if key.RevokedAt != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenRevoked, "API key has been revoked", nil)
	}
	if !key.Active(a.now()) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "API key has expired", nil)
	}

	user, err := a.users.GetByID(ctx, key.UserID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundUser {
			return nil, invalidToken()
		}
		return nil, err
	}

	tier := types.PlanFree
	if plan, err := a.plans.Resolve(ctx, user.ID); err != nil {
		a.logger.WarnContext(ctx, "plan resolution failed during authentication, throttling as free",
			"user_id", user.ID,
			"error", err,
		)
	} else {
		tier = plan.Tier
	}

	if err := a.keys.TouchLastUsed(ctx, key.ID); err != nil {
		a.logger.WarnContext(ctx, "failed to record api key use", "key_id", key.ID, "error", err)
	}

	return &types.Actor{
		ID:       user.ID,
		Type:     types.ActorTypeAPIKey,
		Role:     user.Role,
		Plan:     tier,
		APIKeyID: key.ID,
	}, nil
}

func invalidToken() *types.AppError {
	return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
}
