package core

import (
	"errors"
	"strings"
	"testing"

	"aisaas/internal/types"
)

type testGenerateRequest struct {
	Prompt string `json:"prompt" validate:"required,max_prompt"`
	Model  string `json:"model" validate:"required,ai_model"`
}

type testKeyRequest struct {
	Name string `json:"name" validate:"key_name"`
}

func TestValidateStruct_Success(t *testing.T) {
	v := NewValidator(discardLogger())
	if err := v.ValidateStruct(testGenerateRequest{Prompt: "hello", Model: "CLAUDE_HAIKU"}); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
}

func TestValidateStruct_CodesByTag(t *testing.T) {
	cases := []struct {
		name string
		req  testGenerateRequest
		code types.ErrorCode
	}{
		{"missing prompt", testGenerateRequest{Model: "GPT_4"}, types.ErrCodeValidationMissingField},
		{"prompt too long", testGenerateRequest{Prompt: strings.Repeat("a", MaxPromptLength+1), Model: "GPT_4"}, types.ErrCodeValidationPromptTooLong},
		{"unknown model", testGenerateRequest{Prompt: "hi", Model: "LLAMA"}, types.ErrCodeValidationInvalidModel},
	}

	v := NewValidator(discardLogger())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateStruct(tc.req)
			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T: %v", err, err)
			}
			if appErr.Code != tc.code {
				t.Errorf("code = %s, want %s", appErr.Code, tc.code)
			}
			if appErr.HTTPStatus() != 400 {
				t.Errorf("status = %d", appErr.HTTPStatus())
			}
		})
	}
}

func TestValidateStruct_PromptLengthCountsCharacters(t *testing.T) {
	v := NewValidator(discardLogger())
	// 2000 multi-byte characters are within the limit.
	req := testGenerateRequest{Prompt: strings.Repeat("é", MaxPromptLength), Model: "GPT_4"}
	if err := v.ValidateStruct(req); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestValidateStruct_CollectsAllErrors(t *testing.T) {
	v := NewValidator(discardLogger())
	err := v.ValidateStruct(testGenerateRequest{})

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	errs, ok := appErr.Details["validation_errors"].([]ValidationError)
	if !ok {
		t.Fatalf("expected []ValidationError, got %T", appErr.Details["validation_errors"])
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].Field != "prompt" || errs[1].Field != "model" {
		t.Errorf("fields should use json names: %+v", errs)
	}
}

func TestValidateStruct_KeyName(t *testing.T) {
	v := NewValidator(discardLogger())
	for name, valid := range map[string]bool{
		"ci":                    true,
		"   ":                   false,
		"":                      false,
		strings.Repeat("k", 64): true,
		strings.Repeat("k", 65): false,
	} {
		err := v.ValidateStruct(testKeyRequest{Name: name})
		if (err == nil) != valid {
			t.Errorf("name %q: err = %v, want valid=%v", name, err, valid)
		}
	}
}

func TestTagToErrorCode(t *testing.T) {
	cases := map[string]types.ErrorCode{
		"required":   types.ErrCodeValidationMissingField,
		"ai_model":   types.ErrCodeValidationInvalidModel,
		"max_prompt": types.ErrCodeValidationPromptTooLong,
		"min":        types.ErrCodeValidationInvalidParam,
	}
	for tag, want := range cases {
		if got := tagToErrorCode(tag); got != string(want) {
			t.Errorf("tagToErrorCode(%q) = %q, want %q", tag, got, want)
		}
	}
}
