package notify

import (
	"context"
	"log/slog"
)

// Log writes notifications to a logger. Used when no gateway is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier; nil uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notify: rule fired",
		"tenant_id", n.TenantID,
		"rule_id", n.RuleID,
		"action", n.Action.Kind,
		"target", n.Action.Target,
		"insight_id", n.Insight.ID,
		"insight_type", n.Insight.Type,
		"severity", n.Insight.Severity,
	)
	return nil
}
