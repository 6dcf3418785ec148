package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"aisaas/internal/types"
)

const (
	// MaxActiveKeysPerUser caps unrevoked, unexpired keys per user.
	MaxActiveKeysPerUser = 5

	// KeyLifetime is the validity of a newly issued key.
	KeyLifetime = 365 * 24 * time.Hour

	maxPrefixAttempts = 3
)

// KeyStore is the credential store used by key management.
type KeyStore interface {
	Create(ctx context.Context, key *types.APIKey) error
	ListByUser(ctx context.Context, userID string) ([]*types.APIKey, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	Revoke(ctx context.Context, id, userID string) error
}

// IssuedKey is a freshly created key. Secret is shown to the caller once and
// never persisted.
type IssuedKey struct {
	*types.APIKey
	Secret string `json:"key"`
}

// KeyService issues, lists and revokes API keys.
type KeyService struct {
	store  KeyStore
	hasher KeyHasher
	now    func() time.Time
}

// NewKeyService creates a KeyService. A nil hasher uses bcrypt and a nil now
// uses time.Now.
func NewKeyService(store KeyStore, hasher KeyHasher, now func() time.Time) *KeyService {
	if hasher == nil {
		hasher = bcryptHasher{}
	}
	if now == nil {
		now = time.Now
	}
	return &KeyService{store: store, hasher: hasher, now: now}
}

// Create issues a new key named name for userID. It fails with
// ErrCodeValidationInvalidParam once the user holds MaxActiveKeysPerUser
// active keys.
func (s *KeyService) Create(ctx context.Context, userID, name string) (*IssuedKey, error) {
	name = strings.TrimSpace(name)

	active, err := s.store.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= MaxActiveKeysPerUser {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
			"maximum number of API keys reached", nil,
			map[string]any{"max_keys": MaxActiveKeysPerUser})
	}

	now := s.now().UTC()
	expires := now.Add(KeyLifetime)

	var lastErr error
	for attempt := 0; attempt < maxPrefixAttempts; attempt++ {
		secret, prefix, err := GenerateKey()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate API key", err)
		}
		hash, err := s.hasher.Hash(secret)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash API key", err)
		}

		key := &types.APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      name,
			Prefix:    prefix,
			KeyHash:   hash,
			ExpiresAt: &expires,
			CreatedAt: now,
		}
		err = s.store.Create(ctx, key)
		if err == nil {
			return &IssuedKey{APIKey: key, Secret: secret}, nil
		}
		if types.CodeOf(err) != types.ErrCodeConflictConcurrent {
			return nil, err
		}
		// Prefix collision: draw again.
		lastErr = err
	}
	return nil, errors.Join(types.NewAppError(types.ErrCodeInternalUnexpected, "could not allocate a unique API key prefix", nil), lastErr)
}

// List returns the user's keys, newest first.
func (s *KeyService) List(ctx context.Context, userID string) ([]*types.APIKey, error) {
	keys, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []*types.APIKey{}
	}
	return keys, nil
}

// Revoke revokes a key owned by userID.
func (s *KeyService) Revoke(ctx context.Context, userID, keyID string) error {
	return s.store.Revoke(ctx, keyID, userID)
}
