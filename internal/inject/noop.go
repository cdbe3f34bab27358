// internal/inject/noop.go
package inject

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Noop logs every requested action without touching any UI. It is the
// default backend, used for dry runs and when no editor is attached.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates the logging-only injector.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger.Named("inject-noop")}
}

func (n *Noop) Click(_ context.Context, selector string) error {
	n.logger.Info("Dry-run click", zap.String("selector", selector))
	return nil
}

func (n *Noop) TypeText(_ context.Context, text string, modifiers []string) error {
	n.logger.Info("Dry-run key input",
		zap.String("text", text),
		zap.String("modifiers", strings.Join(modifiers, "+")),
	)
	return nil
}

func (n *Noop) RunCommand(_ context.Context, command string) error {
	n.logger.Info("Dry-run command", zap.String("command", command))
	return nil
}
