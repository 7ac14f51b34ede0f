// Package telemetry provides OpenTelemetry tracing for the result backend.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter protocols.
const (
	ProtocolGRPC   = "grpc"
	ProtocolHTTP   = "http"
	ProtocolStdout = "stdout"
	ProtocolFile   = "file"
	ProtocolNone   = "none"
)

// NewExporter creates a span exporter based on cfg.Protocol. It returns a
// nil exporter for ProtocolNone.
func NewExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case ProtocolGRPC, "":
		endpoint, err := resolveEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracegrpc.New(ctx, opts...)

	case ProtocolHTTP:
		endpoint, err := resolveEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)

	case ProtocolStdout:
		w := cfg.Output
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))

	case ProtocolFile:
		exp, err := newFileExporter(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return exp, nil

	case ProtocolNone, "noop":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", cfg.Protocol)
	}
}

func resolveEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return "", fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint, nil
}

// fileExporter writes spans as JSON lines and closes its file on shutdown.
type fileExporter struct {
	*stdouttrace.Exporter
	file io.Closer
}

func newFileExporter(path string) (*fileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file exporter needs a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &fileExporter{Exporter: exp, file: file}, nil
}

func (e *fileExporter) Shutdown(ctx context.Context) error {
	err := e.Exporter.Shutdown(ctx)
	if cerr := e.file.Close(); err == nil {
		err = cerr
	}
	return err
}
