package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"scribed/internal/bootstrap"
	"scribed/internal/config"
	"scribed/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API; with the memory queue it also runs a worker in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Addr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (overrides config)")
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	app, err := bootstrap.New(ctx, bootstrap.Options{Config: c.cfg, Logger: &c.log})
	if err != nil {
		return err
	}
	defer app.Close()

	configureHTTP(c.cfg, c.log)
	httpapi.SetBaseContext(ctx)

	sched, err := scheduleMaintenance(ctx, c.cfg.CleanupSchedule, app.Maintain)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// nil unless the memory queue is consumed here; a nil channel never fires.
	var workerDone chan error
	if c.cfg.QueueBackend == "memory" {
		workerDone = make(chan error, 1)
		go func() { workerDone <- app.RunWorker(ctx) }()
	}

	srv := &http.Server{Addr: c.cfg.Addr, Handler: httpapi.NewMux(app), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		c.log.Info().Str("event", "listening").Str("addr", c.cfg.Addr).Str("queue", c.cfg.QueueBackend).Msg("scribed listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		runErr = fmt.Errorf("server error: %w", runErr)
	case err := <-workerDone:
		workerDone = nil
		if err != nil {
			runErr = fmt.Errorf("embedded worker: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	cancel()
	if workerDone != nil {
		if err := <-workerDone; err != nil && runErr == nil {
			runErr = fmt.Errorf("embedded worker: %w", err)
		}
	}
	return runErr
}

func configureHTTP(cfg config.Config, l zerolog.Logger) {
	httpapi.SetLogger(l)
	if cfg.RequestLogLevel != "" {
		httpapi.SetRequestLogLevel(cfg.RequestLogLevel)
	}
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetAPIKeys(cfg.APIKeys)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
}

// scheduleMaintenance returns a stopped scheduler running job on spec. An
// empty spec schedules nothing. Overlapping runs are skipped.
func scheduleMaintenance(ctx context.Context, spec string, job func(context.Context)) (*cron.Cron, error) {
	s := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if spec == "" {
		return s, nil
	}
	if _, err := s.AddFunc(spec, func() { job(ctx) }); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}
