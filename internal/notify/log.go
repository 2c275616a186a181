package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
)

// LogNotifier writes every notification to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs n at warn level.
func (l *LogNotifier) Notify(ctx context.Context, n engine.Notification) error {
	ctx = logging.WithIDs(ctx, n.OrganizationID, n.WorkflowID, n.BehaviorID)
	logging.LogWith(ctx, l.logger).Warn("behavior failure",
		"behavior_type", n.BehaviorType,
		"kind", string(n.Kind),
		"message", n.Message,
	)
	return nil
}

// Fanout delivers a notification to several notifiers. Every notifier is
// called; their errors are joined.
type Fanout []engine.Notifier

// Notify calls each notifier in order.
func (f Fanout) Notify(ctx context.Context, n engine.Notification) error {
	var errs []error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
