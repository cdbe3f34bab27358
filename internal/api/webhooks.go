// internal/api/webhooks.go
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// webhookTimeout bounds a single delivery attempt. Slow endpoints must not
// back the event channel up into the agent loop.
const webhookTimeout = 5 * time.Second

// Dispatcher forwards agent events to configured webhook endpoints. Delivery
// is best effort: failures are logged and the event is dropped, never
// retried into a stale ordering.
type Dispatcher struct {
	logger    *zap.Logger
	bus       *bus.Bus
	inbox     <-chan bus.Message
	unsub     func()
	endpoints []string
	client    *http.Client
}

// NewDispatcher subscribes to the event channel.
func NewDispatcher(b *bus.Bus, endpoints []string, logger *zap.Logger) *Dispatcher {
	inbox, unsub := b.Subscribe(models.TypeEvent)
	return &Dispatcher{
		logger:    logger.Named("webhooks"),
		bus:       b,
		inbox:     inbox,
		unsub:     unsub,
		endpoints: endpoints,
		client:    &http.Client{Timeout: webhookTimeout},
	}
}

// Start delivers events until the context is cancelled or the bus shuts down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Webhook dispatcher started.", zap.Int("endpoints", len(d.endpoints)))
	defer d.unsub()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.logger.Info("Webhook dispatcher stopped.")
			return
		case msg, ok := <-d.inbox:
			if !ok {
				d.logger.Info("Webhook dispatcher channel closed.")
				return
			}
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case msg, ok := <-d.inbox:
			if !ok {
				return
			}
			// Acknowledge without delivering; the process is going down.
			d.bus.Acknowledge(msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg bus.Message) {
	defer d.bus.Acknowledge(msg)

	ev, ok := msg.Payload.(models.Event)
	if !ok {
		d.logger.Warn("Dropping event message with unexpected payload",
			zap.String("message_id", msg.ID),
		)
		return
	}
	if len(d.endpoints) == 0 {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	for _, endpoint := range d.endpoints {
		if err := d.post(ctx, endpoint, body); err != nil {
			d.logger.Warn("Webhook delivery failed",
				zap.String("endpoint", endpoint),
				zap.String("event", string(ev.Name)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
