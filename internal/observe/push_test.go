package observe_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

func TestPushSource_DeliversObservations(t *testing.T) {
	p := observe.NewPushSource(4, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Start(ctx)
		close(done)
	}()

	obs := models.Observation{Source: models.SourcePanel, RawText: "overwrite file?"}
	p.Publish(obs)

	select {
	case got := <-p.Observations():
		assert.Equal(t, obs.RawText, got.RawText)
	case <-time.After(time.Second):
		t.Fatal("observation was not delivered")
	}

	cancel()
	<-done
}

func TestPushSource_SurvivesRestart(t *testing.T) {
	p := observe.NewPushSource(4, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Start(ctx)
		close(done)
	}()
	cancel()
	<-done

	// A second run over the same source keeps accepting and delivering.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done2 := make(chan struct{})
	go func() {
		_ = p.Start(ctx2)
		close(done2)
	}()

	p.Publish(models.Observation{Source: models.SourcePanel, RawText: "after restart"})
	select {
	case got := <-p.Observations():
		assert.Equal(t, "after restart", got.RawText)
	case <-time.After(time.Second):
		t.Fatal("observation was not delivered after restart")
	}

	cancel2()
	<-done2
}

func TestPushSource_QueuesWhileStopped(t *testing.T) {
	p := observe.NewPushSource(4, zaptest.NewLogger(t))

	// No run is active; the snapshot waits in the queue for the next one.
	p.Publish(models.Observation{RawText: "queued"})

	select {
	case got := <-p.Observations():
		assert.Equal(t, "queued", got.RawText)
	case <-time.After(time.Second):
		t.Fatal("queued observation was lost")
	}
}

func TestPushSource_DropsWhenFull(t *testing.T) {
	p := observe.NewPushSource(1, zaptest.NewLogger(t))

	p.Publish(models.Observation{RawText: "first"})
	// Queue is full; the second snapshot is dropped, not blocked on.
	p.Publish(models.Observation{RawText: "second"})

	got := <-p.Observations()
	assert.Equal(t, "first", got.RawText)
	select {
	case <-p.Observations():
		t.Fatal("dropped observation should not arrive")
	default:
	}
}
