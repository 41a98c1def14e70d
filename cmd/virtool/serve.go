package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"virtool/internal/adapters/httpapi"
	"virtool/internal/core"
	"virtool/internal/dispatch"
	"virtool/internal/jobs"
	"virtool/internal/jobs/analysis"
	"virtool/internal/jobs/buildindex"
	"virtool/internal/jobs/importreads"
	"virtool/internal/organize"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, settings, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			listener, err := net.Listen("tcp", settings.HTTPAddress)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", settings.HTTPAddress, err)
			}
			return a.serve(ctx, listener)
		},
	}
	cmd.Flags().String("http_address", "", "address the HTTP API listens on")
	return cmd
}

// server is the running process: its registry, dispatcher, job manager and
// service.
type server struct {
	registry *prometheus.Registry
	events   *dispatch.Dispatcher
	manager  *jobs.Manager
	service  *core.Service
	handler  http.Handler
}

// newServer wires the job manager, dispatcher and service together and
// registers every job type the settings can run.
func (a *app) newServer() (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	events := dispatch.New(dispatch.WithLogger(a.logger))
	manager := jobs.NewManager(
		jobs.WithLogger(a.logger),
		jobs.WithDispatcher(events),
		jobs.WithWorkers(a.settings.Jobs.Workers),
		jobs.WithQueueSize(a.settings.Jobs.QueueSize),
	)
	svc := core.NewService(a.store, a.settings,
		core.WithLogger(a.logger),
		core.WithMetricsRecorder(metrics),
		core.WithBlobStore(a.blobs),
		core.WithScheduler(manager),
		core.WithDispatcher(events),
	)

	env := jobs.Env{
		Service:   svc,
		Processes: jobs.ExecRunner{Logger: a.logger},
		Executor:  jobs.NewPool(a.settings.ExecutorSize),
	}
	manager.Register(importreads.Type, importreads.Factory(env))
	manager.Register(buildindex.Type, buildindex.Factory(env))
	for _, name := range core.Algorithms {
		if _, ok := a.settings.AlgorithmFor(name); !ok {
			a.logger.Warn("analysis algorithm not configured", "algorithm", name)
			continue
		}
		manager.Register(name, analysis.Factory(env, name))
	}

	mux := http.NewServeMux()
	api := httpapi.NewHandler(svc, manager, events)
	api.Logger = a.logger
	mux.Handle("/api/", api)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &server{registry: reg, events: events, manager: manager, service: svc, handler: mux}, nil
}

// serve migrates the store, starts the job manager and serves on listener
// until ctx is done.
func (a *app) serve(ctx context.Context, listener net.Listener) error {
	applied, err := organize.NewRunner(a.store, a.settings, version, organize.WithLogger(a.logger)).Run(ctx)
	if err != nil {
		listener.Close()
		return fmt.Errorf("organize: %w", err)
	}
	a.logger.Info("store organized", "applied", len(applied))

	srv, err := a.newServer()
	if err != nil {
		listener.Close()
		return err
	}
	srv.manager.Start()

	// Requests run under base so open event streams end when shutdown starts.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	httpServer.RegisterOnShutdown(cancelBase)
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving", "address", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	if err := srv.manager.Stop(stopCtx); err != nil {
		a.logger.Error("job manager shutdown", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	a.logger.Info("stopped")
	return nil
}
