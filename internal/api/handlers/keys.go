package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/auth"
	"aisaas/internal/core"
	"aisaas/internal/types"
)

// KeyManager issues, lists and revokes the caller's API keys.
type KeyManager interface {
	Create(ctx context.Context, userID, name string) (*auth.IssuedKey, error)
	List(ctx context.Context, userID string) ([]*types.APIKey, error)
	Revoke(ctx context.Context, userID, keyID string) error
}

// CreateKeyRequest is the request body for POST /v1/keys.
type CreateKeyRequest struct {
	Name string `json:"name" validate:"required,key_name"`
}

// APIKeyResponse is the listing view of a key. It carries the prefix only.
type APIKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// APIKeySecretResponse is returned once, on creation, with the plaintext key.
type APIKeySecretResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

// KeysListResponse wraps the key listing.
type KeysListResponse struct {
	Keys []APIKeyResponse `json:"keys"`
}

// KeysHandler manages programmatic access credentials.
type KeysHandler struct {
	keys      KeyManager
	validator *core.Validator
	logger    *slog.Logger
}

// NewKeysHandler creates a KeysHandler.
func NewKeysHandler(keys KeyManager, v *core.Validator, l *slog.Logger) *KeysHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &KeysHandler{
		keys:      keys,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the key routes.
func (h *KeysHandler) RegisterRoutes(r chi.Router) {
	r.Route("/keys", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Delete("/{id}", h.Revoke)
	})
}

// List handles GET /v1/keys.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	keys, err := h.keys.List(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toAPIKeyResponse(k))
	}
	core.JSON(w, r, http.StatusOK, KeysListResponse{Keys: out})
}

// Create handles POST /v1/keys. The plaintext key appears only in this
// response.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req CreateKeyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	issued, err := h.keys.Create(r.Context(), actor.ID, req.Name)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "api key created",
		"user_id", actor.ID,
		"key_id", issued.ID,
		"prefix", issued.Prefix,
	)
	core.JSON(w, r, http.StatusCreated, APIKeySecretResponse{
		APIKeyResponse: toAPIKeyResponse(issued.APIKey),
		Key:            issued.Secret,
	})
}

// Revoke handles DELETE /v1/keys/{id}.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	keyID := chi.URLParam(r, "id")
	if keyID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "key id is required", nil))
		return
	}

	if err := h.keys.Revoke(r.Context(), actor.ID, keyID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "api key revoked",
		"user_id", actor.ID,
		"key_id", keyID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func toAPIKeyResponse(k *types.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		LastUsedAt: k.LastUsedAt,
		ExpiresAt:  k.ExpiresAt,
		RevokedAt:  k.RevokedAt,
		CreatedAt:  k.CreatedAt,
	}
}
