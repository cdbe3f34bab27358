package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/executor"
	"github.com/xkilldash9x/nexus-agent/internal/agent/fingerprint"
	"github.com/xkilldash9x/nexus-agent/internal/agent/learning"
	"github.com/xkilldash9x/nexus-agent/internal/agent/matcher"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/orchestrator"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
	"github.com/xkilldash9x/nexus-agent/internal/inject"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

type harness struct {
	orch     *orchestrator.Orchestrator
	repo     *store.Memory
	learning *learning.Manager
	push     *observe.PushSource
	extract  *fingerprint.Extractor
}

func newHarness(t *testing.T) *harness {
	logger := zaptest.NewLogger(t)
	repo := store.NewMemory(logger, nil)
	extract := fingerprint.NewExtractor(nil, logger)
	match := matcher.New(repo, config.MatcherConfig{MatchThreshold: 0.85, AmbiguityMargin: 0.05}, logger)
	lm := learning.NewManager(repo, nil, config.LearningConfig{
		SessionTimeout:      30 * time.Second,
		InitialConfidence:   0.7,
		RequireConfirmation: true,
	}, logger)
	exec := executor.New(inject.NewNoop(logger), repo, nil, config.ExecutorConfig{
		RetryAttempts:  1,
		ActionDelay:    time.Millisecond,
		PoolSize:       2,
		ShutdownGrace:  2 * time.Second,
		ConfidenceStep: 0.05,
	}, logger)
	push := observe.NewPushSource(16, logger)

	obsCfg := config.ObservationConfig{PollInterval: time.Millisecond, QueueSize: 16}
	orch := orchestrator.New(extract, match, lm, exec, repo, nil, []observe.Source{push}, obsCfg, logger)

	return &harness{orch: orch, repo: repo, learning: lm, push: push, extract: extract}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for " + what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOrchestrator_KnownPromptExecutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Overwrite main.go?",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now().UTC(),
	}
	fp := h.extract.Extract(obs)
	id, err := h.repo.Insert(ctx, models.Pattern{
		Fingerprint: fp,
		Action:      models.ClickAction{TargetSelector: "#yes"},
		Category:    "panel",
		Confidence:  0.9,
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	h.push.Publish(obs)

	waitFor(t, "action execution", func() bool {
		return h.orch.Status(ctx).ActionsExecuted == 1
	})

	st := h.orch.Status(ctx)
	assert.Equal(t, models.RunActive, st.State)
	assert.Equal(t, "click #yes", st.LastAction)
	assert.Equal(t, 1, st.PatternsLearned)

	p, err := h.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.UseCount)
	assert.InDelta(t, 0.95, p.Confidence, 1e-9)
	assert.False(t, h.learning.Open(fp), "a recognized prompt must not open a session")
}

func TestOrchestrator_UnknownPromptOpensSingleSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Never seen this before",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now().UTC(),
	}
	fp := h.extract.Extract(obs)

	h.push.Publish(obs)
	waitFor(t, "learning session", func() bool { return h.learning.Open(fp) })

	// Re-observing the same prompt while the session is open must not stack
	// more sessions or execute anything.
	h.push.Publish(obs)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.learning.Open(fp))
	assert.Zero(t, h.orch.Status(ctx).ActionsExecuted)
}

func TestOrchestrator_PausedObservesButDoesNotAct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Overwrite main.go?",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now().UTC(),
	}
	fp := h.extract.Extract(obs)
	_, err := h.repo.Insert(ctx, models.Pattern{
		Fingerprint: fp,
		Action:      models.ClickAction{TargetSelector: "#yes"},
		Category:    "panel",
		Confidence:  0.9,
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()
	require.NoError(t, h.orch.Pause())
	assert.Equal(t, models.RunPaused, h.orch.State())

	h.push.Publish(obs)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.orch.Status(ctx).ActionsExecuted, "paused agent must not act")

	require.NoError(t, h.orch.Resume())
	h.push.Publish(obs)
	waitFor(t, "action after resume", func() bool {
		return h.orch.Status(ctx).ActionsExecuted == 1
	})
}

func TestOrchestrator_LifecycleTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.orch.Pause(), orchestrator.ErrNotActive)
	assert.ErrorIs(t, h.orch.Resume(), orchestrator.ErrNotActive)

	require.NoError(t, h.orch.Start(ctx))
	assert.ErrorIs(t, h.orch.Start(ctx), orchestrator.ErrAlreadyActive)
	assert.ErrorIs(t, h.orch.Resume(), orchestrator.ErrNotPaused)

	require.NoError(t, h.orch.Pause())
	require.NoError(t, h.orch.Pause(), "pausing twice is idempotent")

	h.orch.Stop()
	assert.Equal(t, models.RunStopped, h.orch.State())
	// Stopping a stopped agent is a no-op.
	h.orch.Stop()

	st := h.orch.Status(ctx)
	assert.Equal(t, models.RunStopped, st.State)
	assert.Zero(t, st.UptimeSeconds)

	// The agent can start again after a stop.
	require.NoError(t, h.orch.Start(ctx))
	h.orch.Stop()
}

func TestOrchestrator_RestartAcceptsObservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Overwrite main.go?",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now().UTC(),
	}
	fp := h.extract.Extract(obs)
	_, err := h.repo.Insert(ctx, models.Pattern{
		Fingerprint: fp,
		Action:      models.ClickAction{TargetSelector: "#yes"},
		Category:    "panel",
		Confidence:  0.9,
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Start(ctx))
	h.push.Publish(obs)
	waitFor(t, "first action", func() bool {
		return h.orch.Status(ctx).ActionsExecuted == 1
	})
	h.orch.Stop()

	// A stopped agent must come back up on the same sources and keep
	// consuming.
	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()
	assert.Equal(t, models.RunActive, h.orch.State())

	h.push.Publish(obs)
	waitFor(t, "action after restart", func() bool {
		return h.orch.Status(ctx).ActionsExecuted == 2
	})
}

func TestOrchestrator_MatchesAcrossCategories(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Apply suggestion?",
		UIContext: &models.UIContext{Role: "dialog"},
		Timestamp: time.Now().UTC(),
	}
	fp := h.extract.Extract(obs)

	// Patterns created over the API carry free-form categories; the loop
	// only ever derives "panel" or "terminal" from the source, so the match
	// must not be gated on an exact category.
	_, err := h.repo.Insert(ctx, models.Pattern{
		Fingerprint: fp,
		Action:      models.ClickAction{TargetSelector: ".apply-button"},
		Category:    "copilot",
		Confidence:  0.9,
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	h.push.Publish(obs)
	waitFor(t, "cross-category match", func() bool {
		return h.orch.Status(ctx).ActionsExecuted == 1
	})
	assert.Equal(t, "click .apply-button", h.orch.Status(ctx).LastAction)
	assert.False(t, h.learning.Open(fp), "a matched prompt must not open a session")
}

func TestOrchestrator_StopCancelsOpenSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))

	obs := models.Observation{
		Source:    models.SourcePanel,
		RawText:   "Unknown prompt",
		UIContext: &models.UIContext{Role: "dialog"},
	}
	fp := h.extract.Extract(obs)
	h.push.Publish(obs)
	waitFor(t, "learning session", func() bool { return h.learning.Open(fp) })

	h.orch.Stop()
	assert.False(t, h.learning.Open(fp), "stop must cancel open sessions")
}
