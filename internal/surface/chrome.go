// internal/surface/chrome.go
package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
)

const (
	defaultNavigationTimeout = 60 * time.Second
	shutdownTimeout          = 10 * time.Second
	pollInterval             = 100 * time.Millisecond
)

// Chrome implements schemas.SurfaceController over a single Chrome tab
// driven through the DevTools protocol.
type Chrome struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	fuser  *perception.Fuser
	events *eventstream.Stream

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	listener *listener
	closeOne sync.Once
}

var _ schemas.SurfaceController = (*Chrome)(nil)

// Option configures a Chrome surface.
type Option func(*Chrome)

// WithEvents forwards console and network activity to the stream.
func WithEvents(s *eventstream.Stream) Option {
	return func(c *Chrome) { c.events = s }
}

// WithFuser replaces the default perception fuser.
func WithFuser(f *perception.Fuser) Option {
	return func(c *Chrome) { c.fuser = f }
}

// AllocatorOptions translates the browser configuration into exec allocator
// options. Defaults are set explicitly rather than taken from chromedp so the
// headless flag only appears when configured.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// NewChrome launches a browser and opens the tab every operation runs in.
// The browser lives until Close is called or ctx is canceled.
func NewChrome(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger, opts ...Option) (*Chrome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	c := &Chrome{
		cfg:    cfg,
		logger: logger.Named("surface.chrome"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fuser == nil {
		c.fuser = perception.NewFuser(logger)
	}

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx, chromedp.WithLogf(c.logger.Sugar().Debugf))

	c.listener = newListener(c.events, c.logger)
	chromedp.ListenTarget(c.tabCtx, c.listener.handle)

	// The first Run starts the browser process and attaches to the tab.
	if err := chromedp.Run(c.tabCtx, c.listener.enable()); err != nil {
		c.tabCancel()
		c.allocCancel()
		return nil, fmt.Errorf("%w: failed to start browser: %v", schemas.ErrConfiguration, err)
	}
	c.logger.Info("Browser surface started.", zap.Bool("headless", cfg.Headless))
	return c, nil
}

// Close shuts the browser down, waiting a bounded time for the process to exit.
func (c *Chrome) Close() error {
	var err error
	c.closeOne.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(c.tabCtx) }()
		select {
		case err = <-done:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-time.After(shutdownTimeout):
			c.logger.Warn("Browser shutdown timed out, forcing.", zap.Duration("timeout", shutdownTimeout))
		}
		c.tabCancel()
		c.allocCancel()
		c.logger.Info("Browser surface closed.")
	})
	return err
}

// run executes actions in the tab, bounded by ctx as well as the tab's own
// lifetime.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		runCtx, dlCancel = context.WithDeadline(runCtx, deadline)
		defer dlCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return c.classify(ctx, chromedp.Run(runCtx, actions...))
}

// staleMarkers are protocol error fragments that mean the node went away
// between snapshot and action.
var staleMarkers = []string{
	"no node with given id",
	"could not find node",
	"node is detached",
	"cannot find context with specified id",
	"node not found",
}

// classify maps driver errors onto the shared sentinels.
func (c *Chrome) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if c.tabCtx.Err() != nil || errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidTarget) {
		return fmt.Errorf("%w: %v", schemas.ErrSessionLost, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", schemas.ErrTimeout, err)
	}
	return classifyMessage(err)
}

// classifyMessage handles errors that carry no typed cause.
func classifyMessage(err error) error {
	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return fmt.Errorf("%w: script threw: %v", schemas.ErrValidation, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "target closed") || strings.Contains(msg, "websocket") {
		return fmt.Errorf("%w: %v", schemas.ErrSessionLost, err)
	}
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", schemas.ErrStaleTarget, err)
		}
	}
	return fmt.Errorf("%w: %v", schemas.ErrTransient, err)
}
