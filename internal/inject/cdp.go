// internal/inject/cdp.go
package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// paletteInputSelector is the quick-input box used by VS Code style editors
// (code-server, Theia) to receive palette commands.
const paletteInputSelector = ".quick-input-box input"

// CDP injects input through the Chrome DevTools Protocol. It targets
// browser-hosted editors such as code-server, attaching to an existing
// DevTools endpoint rather than launching a browser of its own.
type CDP struct {
	logger   *zap.Logger
	allocCtx context.Context
	tabCtx   context.Context
	cancels  []context.CancelFunc
}

// NewCDP attaches to a running DevTools endpoint (ws://host:port/...).
func NewCDP(ctx context.Context, devtoolsURL string, logger *zap.Logger) (*CDP, error) {
	if devtoolsURL == "" {
		return nil, fmt.Errorf("devtools URL is required")
	}
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, devtoolsURL)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	return &CDP{
		logger:   logger.Named("inject-cdp"),
		allocCtx: allocCtx,
		tabCtx:   tabCtx,
		cancels:  []context.CancelFunc{cancelTab, cancelAlloc},
	}, nil
}

// Close detaches from the DevTools endpoint.
func (c *CDP) Close() error {
	for _, cancel := range c.cancels {
		cancel()
	}
	return nil
}

func (c *CDP) Click(ctx context.Context, selector string) error {
	c.logger.Debug("Dispatching click", zap.String("selector", selector))
	err := c.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	return classify(err)
}

func (c *CDP) TypeText(ctx context.Context, text string, modifiers []string) error {
	c.logger.Debug("Dispatching key input", zap.String("text", text))
	opts := []chromedp.KeyOption{}
	if mod := keyModifiers(modifiers); mod != 0 {
		opts = append(opts, chromedp.KeyModifiers(mod))
	}
	return classify(c.run(ctx, chromedp.KeyEvent(text, opts...)))
}

func (c *CDP) RunCommand(ctx context.Context, command string) error {
	c.logger.Debug("Dispatching palette command", zap.String("command", command))
	// F1 opens the command palette; the command is typed in and confirmed.
	err := c.run(ctx,
		chromedp.KeyEvent(kb.F1),
		chromedp.WaitVisible(paletteInputSelector, chromedp.ByQuery),
		chromedp.SendKeys(paletteInputSelector, command, chromedp.ByQuery),
		chromedp.KeyEvent(kb.Enter),
	)
	return classify(err)
}

// run executes actions against the attached tab, honoring the caller's
// deadline.
func (c *CDP) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := c.tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TransportError{Err: ctx.Err()}
	}
}

func keyModifiers(names []string) input.Modifier {
	var mod input.Modifier
	for _, name := range names {
		switch strings.ToLower(name) {
		case "ctrl", "control":
			mod |= input.ModifierCtrl
		case "shift":
			mod |= input.ModifierShift
		case "alt", "option":
			mod |= input.ModifierAlt
		case "meta", "cmd", "command":
			mod |= input.ModifierCommand
		}
	}
	return mod
}

// classify maps chromedp failures onto the injection error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The element never became visible within the deadline.
		return fmt.Errorf("%w: %v", ErrTargetNotFound, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "could not find node") || strings.Contains(msg, "waiting for selector") {
		return fmt.Errorf("%w: %v", ErrTargetNotFound, err)
	}
	return &TransportError{Err: err}
}
