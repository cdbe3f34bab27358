package observe_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

func TestTailSource_EmitsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terminal.log")
	require.NoError(t, os.WriteFile(path, []byte("history line\n"), 0o600))

	src := observe.NewTailSource(path, 16, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx) }()

	// Give the follower a moment to seek to the end of the file.
	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("build failed\n\nrun tests? [y/n]\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []models.Observation
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case obs := <-src.Observations():
			got = append(got, obs)
		case <-timeout:
			t.Fatalf("expected 2 observations, got %d", len(got))
		}
	}

	assert.Equal(t, "build failed", got[0].RawText)
	assert.Equal(t, "run tests? [y/n]", got[1].RawText, "blank lines are skipped")
	for _, obs := range got {
		assert.Equal(t, models.SourceTerminal, obs.Source)
		assert.False(t, obs.Timestamp.IsZero())
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail source did not stop")
	}
}

func TestTailSource_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terminal.log")
	require.NoError(t, os.WriteFile(path, []byte("history line\n"), 0o600))

	src := observe.NewTailSource(path, 4, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail source did not stop")
	}

	// A second run over the same source follows the file again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan error, 1)
	go func() { done2 <- src.Start(ctx2) }()
	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("after restart\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case obs := <-src.Observations():
		assert.Equal(t, "after restart", obs.RawText)
	case <-time.After(5 * time.Second):
		t.Fatal("restarted tail source emitted nothing")
	}

	cancel2()
	select {
	case err := <-done2:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail source did not stop after restart")
	}
}
