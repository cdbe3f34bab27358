// internal/observe/source.go
package observe

import (
	"context"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// Source produces observations for the agent loop. The stream belongs to the
// source, not to a single run: it stays open after Start returns so a
// restarted loop can call Start again and resume consuming.
type Source interface {
	// Observations is the stream of captured snapshots.
	Observations() <-chan models.Observation
	// Start runs the capture loop until the context is cancelled.
	Start(ctx context.Context) error
}
