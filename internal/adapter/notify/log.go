package notify

import (
	"context"
	"log/slog"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// Log writes each notification to the structured log. It backs the
// dashboard channel.
type Log struct {
	name   string
	logger *slog.Logger
}

func NewLog(name string, logger *slog.Logger) *Log {
	return &Log{name: name, logger: logger}
}

func (l *Log) Name() string { return l.name }

func (l *Log) Notify(ctx context.Context, batch []domain.Notification) error {
	for _, n := range batch {
		level := slog.LevelWarn
		if n.Severity == domain.SeverityCritical {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("notify.channel", l.name),
			slog.String("event.id", n.EventID),
			slog.String("query.id", n.QueryID),
			slog.String("severity", n.Severity.String()),
			slog.Float64("current_ms", n.CurrentMS),
			slog.Float64("baseline_ms", n.BaselineMS),
			slog.Float64("regression_pct", n.RegressionPct),
		}
		if n.RootCause != nil {
			attrs = append(attrs, slog.String("root_cause", n.RootCause.Description))
		}
		l.logger.LogAttrs(ctx, level, "query regression", attrs...)
	}
	return nil
}
