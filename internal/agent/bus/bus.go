// internal/agent/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      models.MessageType
	Payload   interface{}
}

// Bus decouples the agent loop from its observers (audit sink, webhook
// dispatcher) using a Pub/Sub model. Delivery is per-subscriber buffered;
// consumers must Acknowledge every message they receive so Shutdown can
// drain cleanly.
type Bus struct {
	logger *zap.Logger

	// Map of message type to subscriber channels.
	subscribers map[models.MessageType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// Tracks messages delivered but not yet acknowledged.
	processingWg sync.WaitGroup
	// Tracks active Publish operations.
	activePubsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New initializes the Bus.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make(map[models.MessageType][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Publish sends a message onto the bus. Blocks if subscriber buffers are full.
func (b *Bus) Publish(ctx context.Context, msgType models.MessageType, payload interface{}) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish message: bus is shut down")
	}
	b.activePubsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePubsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
	}

	b.mu.RLock()
	subscribers, ok := b.subscribers[msg.Type]
	if !ok || len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil // No one is listening.
	}
	// Copy so the lock is not held during channel sends.
	subsCopy := make([]chan Message, len(subscribers))
	copy(subsCopy, subscribers)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
			// Delivered. The consumer must call Acknowledge.
		case <-ctx.Done():
			// Not delivered; this slot will never be acknowledged.
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return fmt.Errorf("failed to publish message: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a channel delivering the given message types, plus an
// unsubscribe function. The bus closes subscriber channels during Shutdown.
func (b *Bus) Subscribe(msgTypes ...models.MessageType) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(msgTypes) == 0 {
		panic("must subscribe to at least one message type")
	}

	ch := make(chan Message, b.bufferSize)
	subscribedTypes := make([]models.MessageType, len(msgTypes))
	copy(subscribedTypes, msgTypes)

	for _, msgType := range subscribedTypes {
		b.subscribers[msgType] = append(b.subscribers[msgType], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, msgType := range subscribedTypes {
			subs, exists := b.subscribers[msgType]
			if !exists {
				continue
			}
			for i, subscriberCh := range subs {
				if subscriberCh == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[msgType] = subs[:len(subs)-1]
					if len(b.subscribers[msgType]) == 0 {
						delete(b.subscribers, msgType)
					}
					break
				}
			}
		}
		// The channel itself is closed by Shutdown, not here.
	}

	return ch, unsubscribe
}

// Acknowledge signals that a delivered message has been processed.
func (b *Bus) Acknowledge(msg Message) {
	b.processingWg.Done()
}

// Shutdown gracefully closes the bus: rejects new publishes, waits for
// in-flight publishes, closes and drains subscriber channels, then waits for
// outstanding acknowledgements.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down bus...")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePubsWg.Wait()

		b.mu.Lock()
		uniqueChannels := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				uniqueChannels[ch] = struct{}{}
			}
		}
		// No publisher can be sending anymore, so closing is safe.
		for ch := range uniqueChannels {
			close(ch)
		}
		// Buffered messages were counted as delivered but will never be
		// acknowledged by an exited consumer; drain them here.
		drained := 0
		for ch := range uniqueChannels {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[models.MessageType][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered messages during shutdown.", zap.Int("count", drained))
		}

		b.processingWg.Wait()
		b.logger.Info("Bus shut down gracefully.")
	})
}
