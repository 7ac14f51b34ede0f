package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/resultkit/backend"
	"github.com/vinayprograms/resultkit/consumer"
	"github.com/vinayprograms/resultkit/telemetry"
)

var (
	// ErrAlreadyShutdown is returned by Shutdown while another call is
	// still running it.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Standard phases of a result backend process. Lower phases run first.
const (
	// PhaseConsumers stops shared consumers so nothing reads while the
	// connection goes away.
	PhaseConsumers = 10

	// PhaseBackend closes the backend and its broker connection.
	PhaseBackend = 20

	// PhaseTelemetry flushes and stops span export.
	PhaseTelemetry = 30
)

// Handler is implemented by components that release resources on shutdown.
// The context ends when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// RegistryHandler stops every consumer of r and closes its channels.
func RegistryHandler(r *consumer.Registry) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		return r.Stop()
	})
}

// BackendHandler closes b and the broker behind it.
func BackendHandler(b *backend.Backend) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		return b.Close()
	})
}

// TelemetryHandler flushes pending spans and stops p.
func TelemetryHandler(p *telemetry.Provider) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		return p.Shutdown(ctx)
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether the shutdown failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of the handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout and signal-triggered shutdowns.
	// Default: 30s
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails. Releasing
	// the broker connection matters even when consumers failed to stop.
	// Default: true
	ContinueOnError bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
