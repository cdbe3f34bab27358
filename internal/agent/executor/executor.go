// internal/agent/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
	"github.com/xkilldash9x/nexus-agent/internal/inject"
)

// Outcome reports one action execution, success or failure.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Attempts int
	// FailedStep is the index of the failing composite step, -1 otherwise.
	FailedStep int
	Err        error
}

// keyLock serializes executions that target the same fingerprint context.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Executor runs resolved actions through the injection collaborator.
// Execution is dispatched onto a bounded pool so a stuck action cannot stall
// unrelated observations, but actions for the same fingerprint always
// serialize to avoid racing UI mutations.
type Executor struct {
	logger   *zap.Logger
	bus      *bus.Bus
	injector inject.Injector
	repo     store.Repository
	cfg      config.ExecutorConfig

	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*keyLock

	wg sync.WaitGroup
}

// New creates an Executor. The bus may be nil in tests.
func New(injector inject.Injector, repo store.Repository, b *bus.Bus, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		logger:   logger.Named("executor"),
		bus:      b,
		injector: injector,
		repo:     repo,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		locks:    make(map[string]*keyLock),
	}
}

// Dispatch schedules an asynchronous execution for a matched pattern. The
// optional done callback receives the outcome after pattern feedback and
// audit records have been written.
func (e *Executor) Dispatch(ctx context.Context, p models.Pattern, fp models.Fingerprint, done func(Outcome)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		unlock := e.lockKey(fp.String())
		defer unlock()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.logger.Warn("Execution abandoned before start", zap.Error(err))
			return
		}
		defer e.sem.Release(1)

		outcome := e.Execute(ctx, p.Action)
		e.recordOutcome(ctx, p, fp, outcome)
		if done != nil {
			done(outcome)
		}
	}()
}

// Drain waits for in-flight executions, bounded by the shutdown grace
// period. It reports whether everything finished in time.
func (e *Executor) Drain() bool {
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("Shutdown grace period expired with actions still in flight")
		return false
	}
}

// Execute runs a single action descriptor synchronously. Composite steps run
// strictly in sequence and halt on the first failure; prior steps are not
// rolled back, and the outcome carries the failing index.
func (e *Executor) Execute(ctx context.Context, action models.ActionDescriptor) Outcome {
	start := time.Now()
	outcome := Outcome{FailedStep: -1}

	if action == nil {
		outcome.Err = fmt.Errorf("%w: nil descriptor", models.ErrInvalidAction)
		outcome.Duration = time.Since(start)
		return outcome
	}
	if err := action.Validate(); err != nil {
		// Invalid descriptors are permanent failures; no retry.
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}

	if composite, ok := action.(models.CompositeAction); ok {
		for i, step := range composite.Steps {
			attempts, err := e.runWithRetry(ctx, step)
			outcome.Attempts += attempts
			if err != nil {
				outcome.FailedStep = i
				outcome.Err = fmt.Errorf("step %d (%s): %w", i, step.Summary(), err)
				outcome.Duration = time.Since(start)
				return outcome
			}
		}
		outcome.Success = true
		outcome.Duration = time.Since(start)
		return outcome
	}

	attempts, err := e.runWithRetry(ctx, action)
	outcome.Attempts = attempts
	outcome.Err = err
	outcome.Success = err == nil
	outcome.Duration = time.Since(start)
	return outcome
}

// runWithRetry executes one primitive action, retrying transient failures up
// to the configured attempt budget with a fixed inter-attempt delay.
func (e *Executor) runWithRetry(ctx context.Context, action models.ActionDescriptor) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.cfg.ActionDelay):
			case <-ctx.Done():
				return attempts, ctx.Err()
			}
		}
		attempts++
		lastErr = e.runPrimitive(ctx, action)
		if lastErr == nil {
			return attempts, nil
		}
		if !inject.IsTransient(lastErr) {
			return attempts, lastErr
		}
		e.logger.Debug("Transient action failure, retrying",
			zap.String("action", action.Summary()),
			zap.Int("attempt", attempts),
			zap.Error(lastErr),
		)
	}
	return attempts, lastErr
}

func (e *Executor) runPrimitive(ctx context.Context, action models.ActionDescriptor) error {
	switch a := action.(type) {
	case models.ClickAction:
		return e.injector.Click(ctx, a.TargetSelector)
	case models.KeyInputAction:
		return e.injector.TypeText(ctx, a.Text, a.Modifiers)
	case models.CommandAction:
		return e.injector.RunCommand(ctx, a.Text)
	default:
		return fmt.Errorf("%w: unsupported descriptor %T", models.ErrInvalidAction, action)
	}
}

// recordOutcome feeds execution results back into the triggering pattern
// (use counters and confidence nudges, clamped by the store) and emits the
// audit record and outward event.
func (e *Executor) recordOutcome(ctx context.Context, p models.Pattern, fp models.Fingerprint, outcome Outcome) {
	now := time.Now().UTC()
	delta := e.cfg.ConfidenceStep
	if !outcome.Success {
		delta = -delta
	}
	mut := store.Mutation{
		ConfidenceDelta: &delta,
		LastUsedAt:      &now,
		UseCountDelta:   1,
	}
	if err := e.repo.Update(ctx, p.ID, mut); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("Failed to record pattern feedback", zap.String("pattern_id", p.ID), zap.Error(err))
	}

	payload := map[string]any{
		"patternId":   p.ID,
		"category":    p.Category,
		"fingerprint": fp.Text,
		"action":      p.Action.Summary(),
		"success":     outcome.Success,
		"durationMs":  outcome.Duration.Milliseconds(),
		"attempts":    outcome.Attempts,
	}
	severity := models.SeverityInfo
	if !outcome.Success {
		severity = models.SeverityError
		payload["error"] = outcome.Err.Error()
		if outcome.FailedStep >= 0 {
			payload["failedStep"] = outcome.FailedStep
		}
	}
	e.publish(ctx, models.TypeAudit, models.AuditRecord{
		Timestamp: now,
		Kind:      models.AuditActionExecuted,
		Severity:  severity,
		Payload:   payload,
	})
	e.publish(ctx, models.TypeEvent, models.Event{
		Name:      models.EventActionExecuted,
		Timestamp: now,
		Payload:   payload,
	})
	if !outcome.Success {
		e.publish(ctx, models.TypeEvent, models.Event{
			Name:      models.EventErrorOccurred,
			Timestamp: now,
			Payload:   payload,
		})
	}
}

func (e *Executor) publish(ctx context.Context, t models.MessageType, payload interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, t, payload); err != nil && ctx.Err() == nil {
		e.logger.Warn("Failed to publish execution record", zap.Error(err))
	}
}

func (e *Executor) lockKey(key string) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &keyLock{}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}
