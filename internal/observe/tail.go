// internal/observe/tail.go
package observe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// TailSource follows a terminal log file and emits one observation per line.
// The file is followed from its current end, so history present before the
// agent started is never replayed as fresh prompts.
type TailSource struct {
	logger *zap.Logger
	path   string
	out    chan models.Observation
}

// NewTailSource creates a source over the given log file.
func NewTailSource(path string, queueSize int, logger *zap.Logger) *TailSource {
	return &TailSource{
		logger: logger.Named("observe-tail"),
		path:   path,
		out:    make(chan models.Observation, queueSize),
	}
}

// Observations returns the stream of terminal lines. The stream stays open
// across runs; a restarted agent resumes consuming it.
func (t *TailSource) Observations() <-chan models.Observation {
	return t.out
}

// Start follows the log file until the context is cancelled. The file may
// not exist yet; tailing waits for it to appear and survives rotation. Each
// call opens a fresh tail, so the source restarts cleanly after a stop.
func (t *TailSource) Start(ctx context.Context) error {
	tf, err := tail.TailFile(t.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", t.path, err)
	}
	defer func() {
		tf.Cleanup()
		_ = tf.Stop()
	}()

	t.logger.Info("Following terminal log.", zap.String("path", t.path))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-tf.Lines:
			if !ok {
				t.logger.Warn("Terminal log stream ended.")
				return nil
			}
			if line.Err != nil {
				t.logger.Warn("Error reading terminal log line", zap.Error(line.Err))
				continue
			}
			text := strings.TrimRight(line.Text, "\r\n")
			if text == "" {
				continue
			}
			obs := models.Observation{
				Source:    models.SourceTerminal,
				RawText:   text,
				Timestamp: time.Now().UTC(),
			}
			select {
			case t.out <- obs:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
