// internal/agent/audit/sink.go
package audit

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// defaultCapacity bounds the in-memory audit trail. Old records are evicted
// oldest-first once the ring is full.
const defaultCapacity = 4096

// Query filters audit trail reads. Zero times are open-ended.
type Query struct {
	StartTime time.Time
	EndTime   time.Time
	MinLevel  models.Severity
	Kind      models.AuditKind
	Limit     int
}

// Metrics aggregates execution statistics over a time range.
type Metrics struct {
	TimeRange         string         `json:"timeRange"`
	ActionsExecuted   int            `json:"actionsExecuted"`
	SuccessRate       float64        `json:"successRate"`
	AvgResponseTimeMs float64        `json:"avgResponseTime"`
	P95ResponseTimeMs float64        `json:"p95ResponseTime"`
	ActionsPerHour    float64        `json:"actionsPerHour"`
	PatternsLearned   int            `json:"patternsLearned"`
	ObservationsSeen  int            `json:"observationsProcessed"`
	ErrorsRecorded    int            `json:"errorsRecorded"`
	ResourceUsage     map[string]any `json:"resourceUsage"`
}

// Sink consumes audit records off the bus into a bounded ring buffer and
// serves queries and aggregate metrics over them. Publication is
// fire-and-forget for producers: a slow or disabled sink never blocks the
// agent loop beyond the bus buffer.
type Sink struct {
	logger  *zap.Logger
	bus     *bus.Bus
	inbox   <-chan bus.Message
	unsub   func()
	enabled bool

	mu      sync.RWMutex
	records []models.AuditRecord
	head    int
	full    bool
}

// NewSink subscribes to the audit channel. When enabled is false the sink
// still acknowledges traffic but retains nothing.
func NewSink(b *bus.Bus, enabled bool, logger *zap.Logger) *Sink {
	inbox, unsub := b.Subscribe(models.TypeAudit)
	return &Sink{
		logger:  logger.Named("audit"),
		bus:     b,
		inbox:   inbox,
		unsub:   unsub,
		enabled: enabled,
		records: make([]models.AuditRecord, defaultCapacity),
	}
}

// Start consumes audit records until the context is cancelled or the bus
// shuts down.
func (s *Sink) Start(ctx context.Context) {
	s.logger.Info("Audit sink started.", zap.Bool("enabled", s.enabled))
	defer s.unsub()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.logger.Info("Audit sink stopped.")
			return
		case msg, ok := <-s.inbox:
			if !ok {
				s.logger.Info("Audit sink channel closed.")
				return
			}
			s.consume(msg)
		}
	}
}

// drain empties the inbox after cancellation so pending publishes are
// acknowledged and the bus can shut down.
func (s *Sink) drain() {
	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			s.consume(msg)
		default:
			return
		}
	}
}

func (s *Sink) consume(msg bus.Message) {
	defer s.bus.Acknowledge(msg)

	rec, ok := msg.Payload.(models.AuditRecord)
	if !ok {
		s.logger.Warn("Dropping audit message with unexpected payload",
			zap.String("message_id", msg.ID),
		)
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = msg.Timestamp
	}
	s.Append(rec)
}

// Append records one entry directly. Exposed for components that bypass the
// bus, and for tests.
func (s *Sink) Append(rec models.AuditRecord) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	s.records[s.head] = rec
	s.head = (s.head + 1) % len(s.records)
	if s.head == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// Records returns matching audit entries, newest first.
func (s *Sink) Records(q Query) []models.AuditRecord {
	if q.MinLevel == "" {
		q.MinLevel = models.SeverityInfo
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AuditRecord, 0, 64)
	n := s.head
	if s.full {
		n = len(s.records)
	}
	// Walk backwards from the newest entry.
	for i := 0; i < n; i++ {
		idx := (s.head - 1 - i + len(s.records)) % len(s.records)
		rec := s.records[idx]
		if !q.StartTime.IsZero() && rec.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && rec.Timestamp.After(q.EndTime) {
			continue
		}
		if !rec.Severity.AtLeast(q.MinLevel) {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Aggregate computes execution metrics over the given window ending now.
func (s *Sink) Aggregate(window time.Duration, label string) Metrics {
	now := time.Now().UTC()
	recs := s.Records(Query{StartTime: now.Add(-window)})

	m := Metrics{TimeRange: label}
	var durations []float64
	successes := 0
	for _, rec := range recs {
		switch rec.Kind {
		case models.AuditActionExecuted:
			m.ActionsExecuted++
			if v, ok := rec.Payload["success"].(bool); ok && v {
				successes++
			}
			if ms, ok := asFloat(rec.Payload["durationMs"]); ok {
				durations = append(durations, ms)
			}
		case models.AuditPatternLearned:
			m.PatternsLearned++
		case models.AuditObservationProcessed:
			m.ObservationsSeen++
		case models.AuditError:
			m.ErrorsRecorded++
		}
	}

	if m.ActionsExecuted > 0 {
		m.SuccessRate = float64(successes) / float64(m.ActionsExecuted)
		m.ActionsPerHour = float64(m.ActionsExecuted) / window.Hours()
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		m.AvgResponseTimeMs = sum / float64(len(durations))
		idx := int(float64(len(durations))*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		m.P95ResponseTimeMs = durations[idx]
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.ResourceUsage = map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"heapAllocMB": float64(ms.HeapAlloc) / (1 << 20),
		"numGC":       ms.NumGC,
	}
	return m
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
