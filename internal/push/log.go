package push

import (
	"context"

	"github.com/coconut3301/backend/internal/notify"
	"go.uber.org/zap"
)

// LogTransport writes notifications to the log and reports them delivered. Used for local runs.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, token string, notification notify.Notification) (notify.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return notify.OutcomeTransientFailure, err
	}
	t.logger.Info("push notification",
		zap.String("endpoint", redact(token)),
		zap.String("category", string(notification.Category)),
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Any("data", notification.Data))
	return notify.OutcomeDelivered, nil
}

// redact keeps the tail of a token so log lines can be correlated without leaking it.
func redact(token string) string {
	const visible = 6
	if len(token) <= visible {
		return "***"
	}
	return "***" + token[len(token)-visible:]
}
