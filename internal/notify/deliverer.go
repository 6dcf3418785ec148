package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"aisaas/internal/external"
	"aisaas/internal/types"
)

// ErrUndeliverable marks notifications that can never be delivered, such as
// those for deleted users. Workers drop them instead of retrying.
var ErrUndeliverable = errors.New("notify: notification is undeliverable")

// UserReader loads the recipient of a notification.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// Deliverer renders and sends usage notification emails.
type Deliverer struct {
	users    UserReader
	renderer *Renderer
	sender   external.EmailSender
	enabled  bool
	logger   *slog.Logger
}

// NewDeliverer creates a Deliverer. When enabled is false notifications are
// logged and acknowledged without sending.
func NewDeliverer(users UserReader, renderer *Renderer, sender external.EmailSender, enabled bool, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		users:    users,
		renderer: renderer,
		sender:   sender,
		enabled:  enabled,
		logger:   logger,
	}
}

// Deliver sends the email for n. Errors wrapping ErrUndeliverable are final;
// any other error may succeed on retry.
func (d *Deliverer) Deliver(ctx context.Context, n types.UsageNotification) error {
	log := d.logger.With(
		"notification_id", n.NotificationID,
		"user_id", n.UserID,
		"event_type", string(n.EventType),
	)

	user, err := d.users.GetByID(ctx, n.UserID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundUser {
			log.WarnContext(ctx, "dropping notification for unknown user")
			return errors.Join(ErrUndeliverable, err)
		}
		return err
	}
	if user.Email == "" {
		log.WarnContext(ctx, "dropping notification for user without email")
		return ErrUndeliverable
	}

	email, err := d.renderer.Render(n, user)
	if err != nil {
		return errors.Join(ErrUndeliverable, err)
	}

	if !d.enabled {
		log.InfoContext(ctx, "email disabled, skipping usage notification",
			"to", RedactEmail(user.Email),
			"subject", email.Subject,
		)
		return nil
	}

	msgID, err := d.sender.Send(ctx, external.Email{
		To:          user.Email,
		ToName:      user.Name,
		Subject:     email.Subject,
		Text:        email.BodyText,
		HTML:        email.BodyHTML,
		ReferenceID: n.NotificationID,
	})
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeValidationInvalidParam {
			return errors.Join(ErrUndeliverable, err)
		}
		return err
	}

	log.InfoContext(ctx, "usage notification delivered",
		"to", RedactEmail(user.Email),
		"provider_message_id", msgID,
	)
	return nil
}

// RedactEmail keeps the first character of the local part:
// "ada@example.com" becomes "a***@example.com".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	switch {
	case email == "":
		return ""
	case !ok:
		return "***"
	case local == "":
		return "***@" + domain
	default:
		return local[:1] + "***@" + domain
	}
}
