package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/executor"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
	"github.com/xkilldash9x/nexus-agent/internal/inject"
)

var testCfg = config.ExecutorConfig{
	RetryAttempts:  3,
	ActionDelay:    time.Millisecond,
	PoolSize:       4,
	ShutdownGrace:  time.Second,
	ConfidenceStep: 0.05,
}

// fakeInjector replays a scripted error sequence and records every call.
type fakeInjector struct {
	mu     sync.Mutex
	script []error
	calls  []string
}

func (f *fakeInjector) next(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if len(f.script) == 0 {
		return nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	return err
}

func (f *fakeInjector) Click(_ context.Context, selector string) error {
	return f.next("click " + selector)
}

func (f *fakeInjector) TypeText(_ context.Context, text string, _ []string) error {
	return f.next("type " + text)
}

func (f *fakeInjector) RunCommand(_ context.Context, command string) error {
	return f.next("command " + command)
}

func (f *fakeInjector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newExecutor(t *testing.T, fi *fakeInjector) (*executor.Executor, *store.Memory) {
	repo := store.NewMemory(zaptest.NewLogger(t), nil)
	return executor.New(fi, repo, nil, testCfg, zaptest.NewLogger(t)), repo
}

func TestExecute_Success(t *testing.T) {
	fi := &fakeInjector{}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.ClickAction{TargetSelector: "#yes"})
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, -1, outcome.FailedStep)
	assert.NoError(t, outcome.Err)
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	fi := &fakeInjector{script: []error{
		inject.ErrTargetNotFound,
		&inject.TransportError{Err: errors.New("socket closed")},
		nil,
	}}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.ClickAction{TargetSelector: "#yes"})
	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestExecute_GivesUpAfterRetryBudget(t *testing.T) {
	fi := &fakeInjector{script: []error{
		inject.ErrTargetNotFound,
		inject.ErrTargetNotFound,
		inject.ErrTargetNotFound,
		inject.ErrTargetNotFound,
		inject.ErrTargetNotFound,
	}}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.ClickAction{TargetSelector: "#yes"})
	assert.False(t, outcome.Success)
	// One initial attempt plus the configured retries.
	assert.Equal(t, testCfg.RetryAttempts+1, outcome.Attempts)
	assert.ErrorIs(t, outcome.Err, inject.ErrTargetNotFound)
}

func TestExecute_PermanentFailureIsNotRetried(t *testing.T) {
	fi := &fakeInjector{script: []error{errors.New("element rejected the click")}}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.ClickAction{TargetSelector: "#yes"})
	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, fi.callCount())
}

func TestExecute_InvalidActionFailsFast(t *testing.T) {
	fi := &fakeInjector{}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.ClickAction{})
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, models.ErrInvalidAction)
	assert.Zero(t, fi.callCount())

	outcome = e.Execute(context.Background(), nil)
	assert.ErrorIs(t, outcome.Err, models.ErrInvalidAction)
}

func TestExecute_CompositeHaltsAtFailingStep(t *testing.T) {
	permanent := errors.New("no palette")
	fi := &fakeInjector{script: []error{nil, permanent}}
	e, _ := newExecutor(t, fi)

	outcome := e.Execute(context.Background(), models.CompositeAction{Steps: []models.ActionDescriptor{
		models.ClickAction{TargetSelector: "#open"},
		models.CommandAction{Text: "acceptChanges"},
		models.KeyInputAction{Text: "never typed"},
	}})

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.FailedStep)
	assert.ErrorIs(t, outcome.Err, permanent)
	// The third step never ran; there is no rollback of the first.
	assert.Equal(t, []string{"click #open", "command acceptChanges"}, fi.calls)
}

func TestDispatch_RecordsPatternFeedback(t *testing.T) {
	ctx := context.Background()

	t.Run("success raises confidence and usage", func(t *testing.T) {
		fi := &fakeInjector{}
		e, repo := newExecutor(t, fi)

		fp := models.Fingerprint{Text: "overwrite file?", Tag: "dialog"}
		id, err := repo.Insert(ctx, models.Pattern{
			Fingerprint: fp,
			Action:      models.ClickAction{TargetSelector: "#yes"},
			Category:    "panel",
			Confidence:  0.7,
		})
		require.NoError(t, err)
		p, err := repo.Get(ctx, id)
		require.NoError(t, err)

		done := make(chan executor.Outcome, 1)
		e.Dispatch(ctx, p, fp, func(o executor.Outcome) { done <- o })

		select {
		case outcome := <-done:
			assert.True(t, outcome.Success)
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch did not complete")
		}

		updated, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, updated.Confidence, 1e-9)
		assert.Equal(t, 1, updated.UseCount)
		assert.False(t, updated.LastUsedAt.IsZero())
	})

	t.Run("failure lowers confidence but still counts the use", func(t *testing.T) {
		fi := &fakeInjector{script: []error{errors.New("gone")}}
		e, repo := newExecutor(t, fi)

		fp := models.Fingerprint{Text: "overwrite file?", Tag: "dialog"}
		id, err := repo.Insert(ctx, models.Pattern{
			Fingerprint: fp,
			Action:      models.ClickAction{TargetSelector: "#yes"},
			Category:    "panel",
			Confidence:  0.7,
		})
		require.NoError(t, err)
		p, err := repo.Get(ctx, id)
		require.NoError(t, err)

		done := make(chan executor.Outcome, 1)
		e.Dispatch(ctx, p, fp, func(o executor.Outcome) { done <- o })

		select {
		case outcome := <-done:
			assert.False(t, outcome.Success)
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch did not complete")
		}

		updated, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, 0.65, updated.Confidence, 1e-9)
		assert.Equal(t, 1, updated.UseCount)
	})
}

func TestDrain_WaitsForInflightWork(t *testing.T) {
	fi := &fakeInjector{}
	e, repo := newExecutor(t, fi)
	ctx := context.Background()

	fp := models.Fingerprint{Text: "x", Tag: "dialog"}
	id, err := repo.Insert(ctx, models.Pattern{
		Fingerprint: fp,
		Action:      models.ClickAction{TargetSelector: "#a"},
		Category:    "panel",
		Confidence:  0.5,
	})
	require.NoError(t, err)
	p, err := repo.Get(ctx, id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		e.Dispatch(ctx, p, fp, func(executor.Outcome) { wg.Done() })
	}

	assert.True(t, e.Drain(), "drain must finish within the grace period")
	wg.Wait()

	updated, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.UseCount, "same-fingerprint executions serialize, none are lost")
}
