// Package lifecycle models the upload engine process's lifecycle as an
// explicit sequence of events -- install, activate, online, shutdown --
// dispatched from main's signal/ticker loop.
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/duneflow/uploadengine/internal/obslog"
)

// Resumer is the subset of *engine.Engine the controller drives.
type Resumer interface {
	// ResumeInProgress resumes every persisted in_progress record. Called on
	// activate.
	ResumeInProgress()
	// ResumeInProgressAndPaused resumes every persisted in_progress or
	// paused record. Called on online.
	ResumeInProgressAndPaused()
}

// Shutter is anything with a graceful Shutdown(ctx) to run on process
// shutdown, matching net/http.Server's shape.
type Shutter interface {
	Shutdown(ctx context.Context) error
}

// Controller dispatches the four lifecycle events against a Resumer and
// owns the periodic connectivity probe that triggers online.
type Controller struct {
	engine Resumer

	probeURL      string
	probeInterval time.Duration
	httpClient    *http.Client

	mu     sync.Mutex
	online bool

	shutdownTimeout time.Duration
}

// New constructs a Controller. probeURL is the control-plane base URL
// probed on an interval to detect a network-online transition; an empty
// probeURL disables the probe (online is never auto-triggered).
func New(engine Resumer, probeURL string, probeInterval time.Duration) *Controller {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	return &Controller{
		engine:          engine,
		probeURL:        probeURL,
		probeInterval:   probeInterval,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
		shutdownTimeout: 10 * time.Second,
	}
}

// Install claims activation eagerly.
func (c *Controller) Install() {
	obslog.Info().Msg("Lifecycle: install")
}

// Activate resumes every persisted in_progress upload. Idempotent: the
// engine's in-memory registry guard makes repeated calls harmless.
func (c *Controller) Activate() {
	obslog.Info().Msg("Lifecycle: activate, resuming in-progress uploads")
	c.engine.ResumeInProgress()
}

// handleOnline resumes every persisted in_progress or paused upload, fired
// when the connectivity probe observes the control plane become reachable
// after having been unreachable (or on first successful probe).
func (c *Controller) handleOnline() {
	obslog.Info().Msg("Lifecycle: online, resuming in-progress and paused uploads")
	c.engine.ResumeInProgressAndPaused()
}

// RunConnectivityProbe runs the periodic reachability probe against
// probeURL until ctx is cancelled, in its own goroutine. A no-op if
// probeURL was left empty.
func (c *Controller) RunConnectivityProbe(ctx context.Context) {
	if c.probeURL == "" {
		return
	}

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Controller) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	reachable := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	wasOnline := c.online
	c.online = reachable
	c.mu.Unlock()

	if reachable && !wasOnline {
		c.handleOnline()
	}
}

// Shutdown runs the graceful-shutdown sequence: cancel rootCancel to stop
// every in-flight part PUT and the connectivity probe, then shut down
// every given Shutter with a bounded timeout.
func (c *Controller) Shutdown(rootCancel context.CancelFunc, shutters ...Shutter) {
	obslog.Info().Msg("Lifecycle: shutdown, cancelling in-flight work")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	for _, s := range shutters {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			obslog.Warn().Err(err).Msg("Error during graceful shutdown of a subsystem")
		}
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM, then invokes onSignal with
// the received signal's name.
func WaitForSignal(onSignal func(signalName string)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	onSignal(sig.String())
}
