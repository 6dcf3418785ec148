package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisaas/internal/core"
	"aisaas/internal/external"
	"aisaas/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockGate struct {
	checkFn func(ctx context.Context, userID string) (bool, error)
	calls   []string
}

func (m *mockGate) CheckAndIncrementUsage(ctx context.Context, userID string) (bool, error) {
	m.calls = append(m.calls, userID)
	if m.checkFn != nil {
		return m.checkFn(ctx, userID)
	}
	return true, nil
}

type mockProvider struct {
	completeFn func(ctx context.Context, model types.AIModel, prompt string) (*external.Completion, error)

	capturedPrompt string
	calls          int
}

func (m *mockProvider) Complete(ctx context.Context, model types.AIModel, prompt string) (*external.Completion, error) {
	m.calls++
	m.capturedPrompt = prompt
	if m.completeFn != nil {
		return m.completeFn(ctx, model, prompt)
	}
	return &external.Completion{Text: "hello", Tokens: 12, Model: model}, nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func ctxWithActor(userID string, role types.UserRole) context.Context {
	return types.WithActor(context.Background(), types.Actor{
		ID:   userID,
		Type: types.ActorTypeUser,
		Role: role,
		Plan: types.PlanFree,
	})
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func newGenerateFixture() (*GenerateHandler, *mockGate, *mockProvider) {
	gate := &mockGate{}
	provider := &mockProvider{}
	return NewGenerateHandler(gate, provider, core.NewValidator(slog.Default()), slog.Default()), gate, provider
}

func doGenerate(t *testing.T, h *GenerateHandler, ctx context.Context, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/ai/generate", jsonBody(t, body))
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Generate(rec, req)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

func TestGenerate_Success(t *testing.T) {
	h, gate, provider := newGenerateFixture()

	rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser),
		GenerateRequest{Prompt: "  write a haiku  ", Model: types.ModelClaudeHaiku})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Response)
	assert.Equal(t, 12, resp.Tokens)
	assert.Equal(t, types.ModelClaudeHaiku, resp.Model)

	assert.Equal(t, []string{"user_1"}, gate.calls)
	assert.Equal(t, "write a haiku", provider.capturedPrompt)
}

func TestGenerate_LimitReached(t *testing.T) {
	h, gate, provider := newGenerateFixture()
	gate.checkFn = func(context.Context, string) (bool, error) { return false, nil }

	rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser),
		GenerateRequest{Prompt: "hi", Model: types.ModelGPT4})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeLimitUsage), detail.Code)
	assert.Equal(t, "Usage limit reached. Please upgrade your plan.", detail.Message)
	assert.Zero(t, provider.calls, "provider must not be called after a denial")
}

func TestGenerate_GateStorageError(t *testing.T) {
	h, gate, provider := newGenerateFixture()
	gate.checkFn = func(context.Context, string) (bool, error) {
		return false, types.NewAppError(types.ErrCodeInternalDB, "db down", errors.New("conn refused"))
	}

	rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser),
		GenerateRequest{Prompt: "hi", Model: types.ModelGPT4})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to generate response. Please try again.", decodeError(t, rec).Message)
	assert.Zero(t, provider.calls)
}

func TestGenerate_UpstreamRateLimited(t *testing.T) {
	h, _, provider := newGenerateFixture()
	provider.completeFn = func(context.Context, types.AIModel, string) (*external.Completion, error) {
		return nil, types.NewAppError(types.ErrCodeUpstreamRateLimited, "429 from openai", nil)
	}

	rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser),
		GenerateRequest{Prompt: "hi", Model: types.ModelGPT35Turbo})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "AI service rate limit reached. Please try again later.", decodeError(t, rec).Message)
}

func TestGenerate_UpstreamFailure(t *testing.T) {
	h, _, provider := newGenerateFixture()
	provider.completeFn = func(context.Context, types.AIModel, string) (*external.Completion, error) {
		return nil, errors.New("boom")
	}

	rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser),
		GenerateRequest{Prompt: "hi", Model: types.ModelClaudeSonnet})

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(types.ErrCodeUpstreamAIProvider), decodeError(t, rec).Code)
}

func TestGenerate_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode types.ErrorCode
	}{
		{"missing prompt", GenerateRequest{Model: types.ModelGPT4}, types.ErrCodeValidationMissingField},
		{"blank prompt", GenerateRequest{Prompt: "   ", Model: types.ModelGPT4}, types.ErrCodeValidationMissingField},
		{"unknown model", GenerateRequest{Prompt: "hi", Model: "LLAMA"}, types.ErrCodeValidationInvalidModel},
		{"prompt too long", GenerateRequest{Prompt: strings.Repeat("a", core.MaxPromptLength+1), Model: types.ModelGPT4}, types.ErrCodeValidationPromptTooLong},
		{"unknown field", map[string]string{"prompt": "hi", "model": "GPT_4", "temperature": "1"}, types.ErrCodeValidationInvalidBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, gate, _ := newGenerateFixture()
			rec := doGenerate(t, h, ctxWithActor("user_1", types.RoleUser), tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(tt.wantCode), decodeError(t, rec).Code)
			assert.Empty(t, gate.calls, "quota must not be consumed by an invalid request")
		})
	}
}

func TestGenerate_RequiresActor(t *testing.T) {
	h, gate, _ := newGenerateFixture()

	rec := doGenerate(t, h, context.Background(), GenerateRequest{Prompt: "hi", Model: types.ModelGPT4})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, gate.calls)
}
