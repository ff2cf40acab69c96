package effects

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// LogEffector is a dry-run effector that only records what would have been done.
type LogEffector struct {
	logger *slog.Logger
}

// NewLogEffector constructs a dry-run effector.
func NewLogEffector(logger *slog.Logger) *LogEffector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEffector{logger: logger.With(slog.String("component", "dry_run_effector"))}
}

func (e *LogEffector) Apply(_ context.Context, action models.Action) error {
	e.logger.Info("dry-run apply",
		slog.String("action_id", action.ID),
		slog.String("type", string(action.Type)),
		slog.String("target", action.Target),
		slog.Any("parameters", action.Parameters))
	return nil
}

func (e *LogEffector) Revert(_ context.Context, action models.Action) error {
	e.logger.Info("dry-run revert",
		slog.String("action_id", action.ID),
		slog.String("type", string(action.Type)),
		slog.String("target", action.Target))
	return nil
}

func (e *LogEffector) Close() error { return nil }
