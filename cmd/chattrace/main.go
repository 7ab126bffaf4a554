package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chattrace/chattrace/internal/api"
	"github.com/chattrace/chattrace/internal/chat"
	"github.com/chattrace/chattrace/internal/config"
	"github.com/chattrace/chattrace/internal/ingest"
	"github.com/chattrace/chattrace/internal/observability"
	"github.com/chattrace/chattrace/internal/providers"
	"github.com/chattrace/chattrace/internal/trace"
	"github.com/chattrace/chattrace/internal/version"
)

const defaultConfigPath = "chattrace.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const ingestShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	traceStore, closeStore, err := newTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close trace storage", "error", err)
		}
	}()

	// Keep enough headroom for short request bursts while preserving explicit
	// backpressure (drop on full queue) if storage falls behind.
	traceWriter := trace.NewWriter(traceStore, 1024)
	traceWriter.Start(context.Background())
	defer shutdownTraceWriter(logger, traceWriter, traceWriterShutdownTimeout)
	attachTraceWriterFailureLogging(logger, traceWriter, otelRuntime)

	sinks := []chat.Sink{traceWriter}
	var ingestClient *ingest.Client
	if cfg.Ingest.Enabled {
		ingestClient, err = ingest.NewClient(ingest.Options{
			Endpoint:      cfg.Ingest.Endpoint,
			PublicKey:     cfg.Ingest.PublicKey,
			SecretKey:     cfg.Ingest.SecretKey,
			BufferSize:    cfg.Ingest.BufferSize,
			FlushInterval: time.Duration(cfg.Ingest.FlushIntervalMS) * time.Millisecond,
			Timeout:       time.Duration(cfg.Ingest.RequestTimeoutMS) * time.Millisecond,
			Transport:     otelRuntime.WrapHTTPTransport(http.DefaultTransport),
			Logger:        logger,
			OnDeliveryFailure: func(_ error, batchSize int) {
				otelRuntime.RecordIngestDeliveryFailure(batchSize)
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize ingest client: %v\n", err)
			return 1
		}
		ingestClient.Start(context.Background())
		defer shutdownIngestClient(logger, ingestClient, ingestShutdownTimeout)
		sinks = append(sinks, ingestClient)
	}

	completer, err := providers.NewOpenAICompleter(providers.OpenAIOptions{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     time.Duration(cfg.Provider.RequestTimeoutMS) * time.Millisecond,
		Transport:   otelRuntime.WrapHTTPTransport(http.DefaultTransport),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize completion provider: %v\n", err)
		return 1
	}

	chatService, err := chat.NewService(completer, cfg.Chat.SystemPrompt, logger, sinks...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize chat service: %v\n", err)
		return 1
	}

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		ChatService:    chatService,
		Store:          traceStore,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    cfg.Storage.Path,
		MaxMessageSize: int64(cfg.Chat.MaxMessageSize),
	})

	serverHandler := otelRuntime.SpanEnrichmentMiddleware(apiHandler)
	serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, serverHandler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"model", cfg.Provider.Model,
		"ingest_enabled", cfg.Ingest.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("chattrace stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("chattrace failed", "error", err)
			return 1
		}
		return 0
	}
}

func newTraceStore(cfg config.Config) (trace.Store, func() error, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		store, err := trace.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "postgres":
		store, err := trace.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func attachTraceWriterFailureLogging(logger *slog.Logger, writer *trace.Writer, otelRuntime *observability.Runtime) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordTraceWriteFailure(failure.Operation, failure.FailedCount)
		logger.Error(
			"trace persistence failed; dropped trace records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
	writer.SetMetrics(&trace.WriterMetrics{
		OnDrop: func() {
			otelRuntime.RecordTraceQueueDrop("/chat", http.StatusOK)
		},
	})
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownIngestClient(logger *slog.Logger, client *ingest.Client, timeout time.Duration) {
	if client == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Shutdown(shutdownCtx); err != nil && logger != nil {
		logger.Error(
			"failed to flush pending ingest batches before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chattrace serve [--config path/to/chattrace.yaml]")
	fmt.Fprintln(out, "  chattrace version")
	fmt.Fprintln(out, "  chattrace config validate [--config path/to/chattrace.yaml]")
	fmt.Fprintln(out, "  chattrace report [--config path/to/chattrace.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--user ID] [--session ID] [--status success|error]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chattrace config validate [--config path/to/chattrace.yaml]")
}
