// internal/observe/push.go
package observe

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// PushSource accepts observations pushed from outside the process, typically
// panel snapshots submitted over the control surface. It applies backpressure
// by dropping when the queue is full rather than blocking the submitter.
//
// The stream stays open for the lifetime of the source, so the agent can be
// stopped and started again without rebuilding its sources.
type PushSource struct {
	logger *zap.Logger
	out    chan models.Observation
}

// NewPushSource creates a push-fed source with the given queue size.
func NewPushSource(queueSize int, logger *zap.Logger) *PushSource {
	return &PushSource{
		logger: logger.Named("observe-push"),
		out:    make(chan models.Observation, queueSize),
	}
}

// Observations returns the stream of pushed snapshots.
func (p *PushSource) Observations() <-chan models.Observation {
	return p.out
}

// Publish enqueues one observation. A full queue drops the observation; the
// submitter cannot do anything useful with the failure and the next snapshot
// will supersede it anyway. Snapshots pushed while the agent is stopped stay
// queued until the next run consumes them.
func (p *PushSource) Publish(obs models.Observation) {
	select {
	case p.out <- obs:
	default:
		p.logger.Warn("Observation queue full, dropping snapshot",
			zap.String("source", string(obs.Source)),
		)
	}
}

// Start blocks until the context is cancelled. The stream is left open so a
// later run can resume consuming it.
func (p *PushSource) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
