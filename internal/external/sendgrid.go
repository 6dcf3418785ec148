package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"aisaas/internal/types"
)

// Email is a fully rendered message.
type Email struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
	// ReferenceID is echoed back by SendGrid event webhooks as custom_args.
	ReferenceID string
}

// EmailSender delivers rendered emails and returns the provider message id.
type EmailSender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// SendGridConfig configures a SendGridClient.
type SendGridConfig struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
	Logger    *slog.Logger
}

// SendGridClient sends mail through the SendGrid v3 Mail Send API.
type SendGridClient struct {
	base *BaseClient
	cfg  SendGridConfig
}

// NewSendGridClient creates a SendGridClient. A nil base uses a BaseClient
// with a 10 second timeout and two retries.
func NewSendGridClient(base *BaseClient, cfg SendGridConfig) *SendGridClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if base == nil {
		base = NewBaseClient(&http.Client{Timeout: 10 * time.Second}, "sendgrid",
			DefaultRetryPolicy(), defaultUserAgent,
			WithFailureCode(types.ErrCodeUpstreamEmailProvider))
	}
	return &SendGridClient{base: base, cfg: cfg}
}

type sendGridPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridErrorBody struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Send implements EmailSender. SendGrid answers 202 with the message id in
// X-Message-Id.
func (s *SendGridClient) Send(ctx context.Context, email Email) (string, error) {
	if email.To == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidParam, "email recipient is required", nil)
	}

	body, err := json.Marshal(s.payload(email))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	var sgErr sendGridErrorBody
	if json.Unmarshal(raw, &sgErr) == nil && len(sgErr.Errors) > 0 {
		msg = sgErr.Errors[0].Message
	}
	s.cfg.Logger.WarnContext(ctx, "sendgrid rejected message",
		"status", resp.StatusCode,
		"reference_id", email.ReferenceID,
		"error", msg,
	)
	return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, msg), nil)
}

func (s *SendGridClient) payload(email Email) sendGridPayload {
	p := sendGridPayload{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: email.To, Name: email.ToName}},
		}},
		From:    sendGridAddress{Email: s.cfg.FromEmail, Name: s.cfg.FromName},
		Subject: email.Subject,
	}
	// SendGrid requires text/plain before text/html.
	if email.Text != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: email.Text})
	}
	if email.HTML != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: email.HTML})
	}
	if email.ReferenceID != "" {
		p.CustomArgs = map[string]string{"reference_id": email.ReferenceID}
	}
	return p
}

var _ EmailSender = (*SendGridClient)(nil)
