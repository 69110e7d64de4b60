package push

import (
	"context"
	"errors"

	"firebase.google.com/go/v4/messaging"
	"github.com/coconut3301/backend/internal/notify"
	"go.uber.org/zap"
)

// MessageSender is the subset of *messaging.Client the FCM transport needs.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMTransport delivers through Firebase Cloud Messaging.
type FCMTransport struct {
	sender MessageSender
	logger *zap.Logger
	// permanent classifies errors that mean the token is dead. Overridable in tests.
	permanent func(error) bool
}

func NewFCMTransport(sender MessageSender, logger *zap.Logger) *FCMTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMTransport{sender: sender, logger: logger, permanent: isPermanentFCMError}
}

func (t *FCMTransport) Deliver(ctx context.Context, token string, notification notify.Notification) (notify.Outcome, error) {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Data: notification.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	messageID, err := t.sender.Send(ctx, message)
	if err == nil {
		t.logger.Debug("fcm message sent", zap.String("message_id", messageID), zap.String("endpoint", redact(token)))
		return notify.OutcomeDelivered, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return notify.OutcomeTransientFailure, err
	}
	if t.permanent(err) {
		return notify.OutcomePermanentlyInvalid, err
	}
	return notify.OutcomeTransientFailure, err
}

func isPermanentFCMError(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
}
