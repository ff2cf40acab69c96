// Package effects adapts remediation actions onto the systems that actually apply them.
// The loop never performs side effects itself; it hands actions to one of these.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Op names the direction of an effect command.
type Op string

const (
	OpApply  Op = "apply"
	OpRevert Op = "revert"
)

// Command is the payload sent to control planes for every apply or revert.
type Command struct {
	Op       Op                  `json:"op"`
	Action   models.ActionRecord `json:"action"`
	IssuedAt time.Time           `json:"issued_at"`
}

func newCommand(op Op, action models.Action) Command {
	return Command{Op: op, Action: action.Record(), IssuedAt: time.Now().UTC()}
}

// Effector applies and reverses actions and owns whatever connection it needs.
type Effector interface {
	Apply(ctx context.Context, action models.Action) error
	Revert(ctx context.Context, action models.Action) error
	Close() error
}

// New builds the effector selected by cfg.Driver.
func New(cfg config.EffectsConfig, kafkaCfg config.KafkaConfig, logger *slog.Logger) (Effector, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogEffector(logger), nil
	case "http":
		return NewHTTPEffector(cfg.BaseURL, cfg.ApplyPath, cfg.RevertPath, cfg.Timeout), nil
	case "kafka":
		return NewKafkaEffector(kafkaCfg, logger)
	}
	return nil, fmt.Errorf("unknown effects driver %q", cfg.Driver)
}
