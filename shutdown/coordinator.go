package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vinayprograms/resultkit/backend"
	"github.com/vinayprograms/resultkit/consumer"
	"github.com/vinayprograms/resultkit/logging"
	"github.com/vinayprograms/resultkit/telemetry"
)

// Coordinator runs registered handlers phase by phase. Handlers sharing a
// phase run concurrently. A Coordinator shuts down once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  atomic.Bool
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator. A nil logger discards progress.
func NewCoordinator(cfg Config, logger *logging.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		config:  cfg,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// ForBackend returns a coordinator that stops reg (if not nil), closes b,
// then shuts down p (if not nil), in that order.
func ForBackend(cfg Config, reg *consumer.Registry, b *backend.Backend, p *telemetry.Provider) *Coordinator {
	c := NewCoordinator(cfg, b.Logger())
	if reg != nil {
		c.Register("consumers", RegistryHandler(reg), PhaseConsumers)
	}
	c.Register("backend", BackendHandler(b), PhaseBackend)
	if p != nil {
		c.Register("telemetry", TelemetryHandler(p), PhaseTelemetry)
	}
	return c
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function to phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error, phase int) {
	c.Register(name, HandlerFunc(fn), phase)
}

// Shutdown runs every phase. Later calls wait for the first one and return
// its error, or ErrAlreadyShutdown if ctx ends first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		c.result = c.run(ctx)
		close(c.done)
		return c.result.Err
	}
	select {
	case <-c.done:
		return c.result.Err
	case <-ctx.Done():
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout()
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	res := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *Result {
		res.Err = err
		res.TotalDuration = time.Since(start)
		fields := map[string]interface{}{"handlers": len(res.Results), "duration_ms": res.TotalDuration.Milliseconds()}
		if err != nil {
			fields["failed"] = res.FailedHandlers()
			c.logger.Error("shutdown finished with errors", fields)
		} else {
			c.logger.Info("shutdown complete", fields)
		}
		return res
	}

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}
		for _, hr := range c.runPhase(ctx, group) {
			res.Results = append(res.Results, hr)
			if hr.Err != nil && failed == nil {
				failed = fmt.Errorf("%w: %s: %w", ErrHandlerFailed, hr.Name, hr.Err)
			}
		}
		if failed != nil && !c.config.ContinueOnError {
			return finish(failed)
		}
	}
	return finish(failed)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	out := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			out[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{"handler": r.name, "phase": r.phase}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown handler failed", fields)
			} else {
				c.logger.Debug("shutdown handler done", fields)
			}
		}()
	}
	wg.Wait()
	return out
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
