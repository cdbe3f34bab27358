// internal/agent/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/executor"
	"github.com/xkilldash9x/nexus-agent/internal/agent/fingerprint"
	"github.com/xkilldash9x/nexus-agent/internal/agent/learning"
	"github.com/xkilldash9x/nexus-agent/internal/agent/matcher"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

var (
	// ErrAlreadyActive is returned by Start when the loop is already running.
	ErrAlreadyActive = errors.New("agent is already active")
	// ErrNotActive is returned by Pause/Resume when the loop is stopped.
	ErrNotActive = errors.New("agent is not active")
	// ErrNotPaused is returned by Resume when the loop is running normally.
	ErrNotPaused = errors.New("agent is not paused")
)

// Orchestrator drives the observe, match, decide, act, learn loop. It is the
// sole owner of the agent's run state; every lifecycle transition goes
// through its command methods.
type Orchestrator struct {
	logger    *zap.Logger
	bus       *bus.Bus
	extractor *fingerprint.Extractor
	matcher   *matcher.Matcher
	learning  *learning.Manager
	executor  *executor.Executor
	repo      store.Repository
	sources   []observe.Source
	cfg       config.ObservationConfig

	mu        sync.Mutex
	state     models.RunState
	startedAt time.Time
	cancelRun context.CancelFunc
	runWg     sync.WaitGroup

	actionsExecuted atomic.Int64
	lastAction      atomic.Value // string
}

// New wires the loop components together. The agent starts stopped.
func New(
	extractor *fingerprint.Extractor,
	m *matcher.Matcher,
	lm *learning.Manager,
	exec *executor.Executor,
	repo store.Repository,
	b *bus.Bus,
	sources []observe.Source,
	cfg config.ObservationConfig,
	logger *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		logger:    logger.Named("orchestrator"),
		bus:       b,
		extractor: extractor,
		matcher:   m,
		learning:  lm,
		executor:  exec,
		repo:      repo,
		sources:   sources,
		cfg:       cfg,
		state:     models.RunStopped,
	}
	o.lastAction.Store("")
	return o
}

// Start begins the run loop. The parent context bounds the loop's lifetime
// independently of Stop; cancelling it is equivalent to Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != models.RunStopped {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.state = models.RunActive
	o.startedAt = time.Now().UTC()
	o.cancelRun = cancel
	o.mu.Unlock()

	merged := o.startSources(runCtx)

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		o.run(runCtx, merged)
	}()

	o.logger.Info("Agent started.", zap.Int("sources", len(o.sources)))
	o.emitEvent(ctx, models.Event{
		Name:      models.EventAgentStarted,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"sources": len(o.sources)},
	})
	return nil
}

// Stop halts the loop, drains in-flight executions within the grace period,
// and cancels open learning sessions. Stopping a stopped agent is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == models.RunStopped {
		o.mu.Unlock()
		return
	}
	cancel := o.cancelRun
	o.state = models.RunStopped
	o.cancelRun = nil
	o.mu.Unlock()

	cancel()
	o.runWg.Wait()

	if !o.executor.Drain() {
		o.logger.Warn("Some actions did not finish before shutdown.")
	}
	o.learning.CancelAll()
	o.logger.Info("Agent stopped.")
}

// Pause suspends matching and execution. Observation continues so the audit
// trail stays complete, but no actions run and no sessions open.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case models.RunStopped:
		return ErrNotActive
	case models.RunPaused:
		return nil
	}
	o.state = models.RunPaused
	o.logger.Info("Agent paused.")
	return nil
}

// Resume reactivates a paused agent.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case models.RunStopped:
		return ErrNotActive
	case models.RunActive:
		return ErrNotPaused
	}
	o.state = models.RunActive
	o.logger.Info("Agent resumed.")
	return nil
}

// State returns the current run state.
func (o *Orchestrator) State() models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status snapshots the agent for the control surface.
func (o *Orchestrator) Status(ctx context.Context) models.Status {
	o.mu.Lock()
	state := o.state
	startedAt := o.startedAt
	o.mu.Unlock()

	st := models.Status{
		State:           state,
		ActionsExecuted: o.actionsExecuted.Load(),
		LastAction:      o.lastAction.Load().(string),
	}
	if state != models.RunStopped {
		st.StartedAt = startedAt
		st.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if count, err := o.repo.Count(ctx); err == nil {
		st.PatternsLearned = count
	}
	return st
}

// startSources launches every observation source and fans their streams into
// one channel, closed once all sources finish.
func (o *Orchestrator) startSources(ctx context.Context) <-chan models.Observation {
	merged := make(chan models.Observation, o.cfg.QueueSize)
	var wg sync.WaitGroup

	for _, src := range o.sources {
		wg.Add(2)
		go func(s observe.Source) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				o.logger.Error("Observation source failed", zap.Error(err))
			}
		}(src)
		go func(s observe.Source) {
			defer wg.Done()
			// Source streams stay open across runs; the run context, not a
			// channel close, ends this fan-in.
			for {
				select {
				case <-ctx.Done():
					return
				case obs, ok := <-s.Observations():
					if !ok {
						return
					}
					select {
					case merged <- obs:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

// run is the agent loop. Observations are paced by the poll interval so a
// chatty terminal cannot starve the executor pool.
func (o *Orchestrator) run(ctx context.Context, observations <-chan models.Observation) {
	limiter := rate.NewLimiter(rate.Every(o.cfg.PollInterval), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-observations:
			if !ok {
				o.logger.Info("All observation sources closed.")
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			o.processObservation(ctx, obs)
		}
	}
}

// processObservation runs one observation through extract, match, and the
// decision branch. Every observation leaves an audit record regardless of
// outcome.
func (o *Orchestrator) processObservation(ctx context.Context, obs models.Observation) {
	fp := o.extractor.Extract(obs)

	paused := o.State() == models.RunPaused

	rec := models.AuditRecord{
		Timestamp: time.Now().UTC(),
		Kind:      models.AuditObservationProcessed,
		Severity:  models.SeverityInfo,
		Payload: map[string]any{
			"source":      string(obs.Source),
			"fingerprint": fp.Text,
			"tag":         fp.Tag,
			"paused":      paused,
		},
	}

	if fp.IsEmpty() {
		rec.Payload["decision"] = "discarded"
		o.emitAudit(ctx, rec)
		return
	}
	if paused {
		rec.Payload["decision"] = "paused"
		o.emitAudit(ctx, rec)
		return
	}

	category := categoryFor(obs)
	decision, err := o.matcher.Match(ctx, fp, category)
	if err != nil {
		o.logger.Error("Match failed", zap.Error(err))
		rec.Severity = models.SeverityError
		rec.Payload["decision"] = "error"
		rec.Payload["error"] = err.Error()
		o.emitAudit(ctx, rec)
		return
	}
	rec.Payload["decision"] = string(decision.Kind)

	switch decision.Kind {
	case models.DecisionKnown:
		rec.Payload["patternId"] = decision.Pattern.ID
		rec.Payload["confidence"] = decision.Confidence
		o.dispatch(ctx, *decision.Pattern, fp)

	case models.DecisionAmbiguous:
		// Never guess between near-equal candidates; ask the human instead.
		rec.Payload["candidates"] = len(decision.Candidates)
		o.trigger(ctx, fp, category, obs)

	case models.DecisionUnknown:
		o.trigger(ctx, fp, category, obs)
	}

	o.emitAudit(ctx, rec)
}

func (o *Orchestrator) dispatch(ctx context.Context, p models.Pattern, fp models.Fingerprint) {
	o.executor.Dispatch(ctx, p, fp, func(outcome executor.Outcome) {
		o.actionsExecuted.Add(1)
		o.lastAction.Store(p.Action.Summary())
		if !outcome.Success {
			o.logger.Warn("Action failed",
				zap.String("pattern_id", p.ID),
				zap.Error(outcome.Err),
			)
		}
	})
}

func (o *Orchestrator) trigger(ctx context.Context, fp models.Fingerprint, category string, obs models.Observation) {
	if o.learning.Open(fp) {
		// A session for this prompt is already in flight; re-observing the
		// same prompt must not spawn another.
		return
	}
	if _, created, err := o.learning.Trigger(ctx, fp, category, obs); err != nil {
		o.logger.Error("Failed to open learning session", zap.Error(err))
	} else if created {
		o.logger.Info("Unrecognized prompt, learning session opened.",
			zap.String("fingerprint", fp.Text),
		)
	}
}

// categoryFor derives the pattern category from where the observation came
// from.
func categoryFor(obs models.Observation) string {
	switch obs.Source {
	case models.SourceTerminal:
		return "terminal"
	default:
		return "panel"
	}
}

func (o *Orchestrator) emitAudit(ctx context.Context, rec models.AuditRecord) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, models.TypeAudit, rec); err != nil && ctx.Err() == nil {
		o.logger.Warn("Failed to publish audit record", zap.Error(err))
	}
}

func (o *Orchestrator) emitEvent(ctx context.Context, ev models.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, models.TypeEvent, ev); err != nil && ctx.Err() == nil {
		o.logger.Warn("Failed to publish event", zap.Error(err))
	}
}
