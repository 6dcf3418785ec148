package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"aisaas/internal/types"
)

// MaxPromptLength is the maximum prompt length in characters.
const MaxPromptLength = 2000

// Validator wraps go-playground/validator and registers the domain tags:
//
//	ai_model    value is a selectable types.AIModel
//	max_prompt  at most MaxPromptLength characters
//	key_name    1..64 characters after trimming whitespace
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidator creates a Validator with the custom tags registered. Field
// names in errors are taken from json tags.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister(v, "ai_model", func(fl validator.FieldLevel) bool {
		return types.AIModel(fl.Field().String()).Valid()
	})
	mustRegister(v, "max_prompt", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(fl.Field().String()) <= MaxPromptLength
	})
	mustRegister(v, "key_name", func(fl validator.FieldLevel) bool {
		n := utf8.RuneCountInString(strings.TrimSpace(fl.Field().String()))
		return n >= 1 && n <= 64
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("registering validation %q: %v", tag, err))
	}
}

// ValidateStruct validates s and returns a *types.AppError whose code is that
// of the first failing field. All failures are listed under the
// "validation_errors" detail.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    tagToErrorCode(fe.Tag()),
			Message: tagMessage(fe),
		})
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(out[0].Code),
		out[0].Message,
		nil,
		map[string]any{"validation_errors": out},
	)
}

func tagToErrorCode(tag string) string {
	switch tag {
	case "required":
		return string(types.ErrCodeValidationMissingField)
	case "ai_model":
		return string(types.ErrCodeValidationInvalidModel)
	case "max_prompt":
		return string(types.ErrCodeValidationPromptTooLong)
	default:
		return string(types.ErrCodeValidationInvalidParam)
	}
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "ai_model":
		return fmt.Sprintf("%s must be one of GPT_4, GPT_3_5_TURBO, CLAUDE_SONNET, CLAUDE_HAIKU", fe.Field())
	case "max_prompt":
		return fmt.Sprintf("%s must be at most %d characters", fe.Field(), MaxPromptLength)
	case "key_name":
		return fmt.Sprintf("%s must be between 1 and 64 characters", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
