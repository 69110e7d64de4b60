package push

import (
	"fmt"
	"strings"

	"github.com/coconut3301/backend/internal/notify"
	"go.uber.org/zap"
)

const (
	KindLog = "log"
	KindFCM = "fcm"
)

type TransportConfig struct {
	Kind   string
	Sender MessageSender
	Logger *zap.Logger
}

// NewTransport selects the delivery transport for the configured kind.
func NewTransport(cfg TransportConfig) (notify.Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindLog:
		logger.Info("initializing log push transport")
		return NewLogTransport(logger), nil
	case KindFCM:
		if cfg.Sender == nil {
			return nil, fmt.Errorf("push: fcm transport requires a messaging client")
		}
		logger.Info("initializing fcm push transport")
		return NewFCMTransport(cfg.Sender, logger), nil
	default:
		return nil, fmt.Errorf("push: unknown transport %q", cfg.Kind)
	}
}
