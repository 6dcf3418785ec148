// Package handlers contains the HTTP handler implementations for the AI SaaS API.
//
// This file implements the metered completion endpoint. Every request passes
// the admission gate before the provider is called, so a denied or failed
// check never reaches the upstream API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/core"
	"aisaas/internal/external"
	"aisaas/internal/types"
)

// AdmissionGate consumes one unit of monthly quota for a user.
type AdmissionGate interface {
	CheckAndIncrementUsage(ctx context.Context, userID string) (bool, error)
}

// GenerateRequest is the request body for POST /v1/ai/generate.
type GenerateRequest struct {
	Prompt string        `json:"prompt" validate:"required,max_prompt"`
	Model  types.AIModel `json:"model" validate:"required,ai_model"`
}

// GenerateResponse is returned on a successful completion.
type GenerateResponse struct {
	Response string        `json:"response"`
	Tokens   int           `json:"tokens"`
	Model    types.AIModel `json:"model"`
}

// GenerateHandler serves metered AI completions.
type GenerateHandler struct {
	gate      AdmissionGate
	provider  external.CompletionProvider
	validator *core.Validator
	logger    *slog.Logger
}

// NewGenerateHandler creates a GenerateHandler.
func NewGenerateHandler(
	gate AdmissionGate,
	provider external.CompletionProvider,
	v *core.Validator,
	l *slog.Logger,
) *GenerateHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &GenerateHandler{
		gate:      gate,
		provider:  provider,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the generate endpoint under the caller's router.
func (h *GenerateHandler) RegisterRoutes(r chi.Router) {
	r.Post("/ai/generate", h.Generate)
}

// Generate handles POST /v1/ai/generate.
//
//  1. Decode and validate the body.
//  2. Consume one unit of quota. A denial is 429; a storage failure is 500.
//  3. Forward the prompt to the provider for the chosen model.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req GenerateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "prompt is required", nil))
		return
	}

	allowed, err := h.gate.CheckAndIncrementUsage(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalDB,
			"Failed to generate response. Please try again.",
			err,
		))
		return
	}
	if !allowed {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeLimitUsage,
			"Usage limit reached. Please upgrade your plan.",
			nil,
		))
		return
	}

	completion, err := h.provider.Complete(r.Context(), req.Model, prompt)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "completion failed",
			"user_id", actor.ID,
			"model", string(req.Model),
			"error", err,
		)
		core.Error(w, r, providerError(err))
		return
	}

	core.JSON(w, r, http.StatusOK, GenerateResponse{
		Response: completion.Text,
		Tokens:   completion.Tokens,
		Model:    req.Model,
	})
}

// providerError rewrites upstream failures into the messages shown to
// clients. The consumed quota unit is not refunded.
func providerError(err error) error {
	switch types.CodeOf(err) {
	case types.ErrCodeUpstreamRateLimited:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"AI service rate limit reached. Please try again later.", err)
	case types.ErrCodeUpstreamAuth:
		return types.NewAppError(types.ErrCodeUpstreamAuth,
			"Invalid API key. Please check your configuration.", err)
	case types.ErrCodeValidationInvalidModel:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			"AI service timed out. Please try again.", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamAIProvider,
		"Failed to generate response. Please try again.", err)
}

// requireActor returns the authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return types.Actor{}, false
	}
	return actor, true
}
