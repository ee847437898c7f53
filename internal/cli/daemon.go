package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/taskorch/internal/dispatch"
	"github.com/me/taskorch/internal/liveness"
	"github.com/me/taskorch/internal/scheduler"
	"github.com/me/taskorch/internal/server"
	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/internal/updater"
)

const shutdownTimeout = 5 * time.Second

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)
	return st, nil
}

func openDispatcher() (dispatch.Dispatcher, error) {
	if cfg.Broker == "memory" {
		logger.Warn("using the in-process broker; only runners inside this process see dispatched work")
		return dispatch.NewMemoryDispatcher(0, logger), nil
	}
	d, err := dispatch.NewKafkaDispatcher(dispatch.KafkaConfig{
		Brokers:          cfg.Kafka.Brokers,
		QueueTopicPrefix: cfg.Kafka.QueueTopicPrefix,
		EventsTopic:      cfg.Kafka.EventsTopic,
		GroupID:          cfg.Kafka.GroupID,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("kafka broker configured", "brokers", cfg.Kafka.Brokers, "events_topic", cfg.Kafka.EventsTopic)
	return d, nil
}

func schedulerConfig() scheduler.Config {
	return scheduler.Config{
		WaitTime:       cfg.Scheduler.WaitTime,
		RetryCooldown:  cfg.Scheduler.RetryCooldown,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryFunctions: cfg.Scheduler.RetryFunctions,
		QueueTTL:       cfg.Scheduler.QueueTTL,
	}
}

// ignoreCanceled treats a context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runtimeDeps bundles the store and dispatcher every daemon needs.
type runtimeDeps struct {
	st *store.SQLiteStore
	d  dispatch.Dispatcher
}

func openRuntime(ctx context.Context) (*runtimeDeps, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	d, err := openDispatcher()
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtimeDeps{st: st, d: d}, nil
}

func (r *runtimeDeps) Close() {
	if err := r.d.Close(); err != nil {
		logger.Error("close dispatcher", "error", err)
	}
	if err := r.st.Close(); err != nil {
		logger.Error("close database", "error", err)
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduling loop",
		Long:  "Dispatches PRERUN tasks whose gates are open and re-dispatches FAILED scripts after the retry cooldown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			loop := scheduler.NewLoop(rt.st, rt.d, schedulerConfig(), logger)
			logger.Info("scheduler starting",
				"wait_time", cfg.Scheduler.WaitTime, "retry_cooldown", cfg.Scheduler.RetryCooldown)
			if err := ignoreCanceled(loop.Start(ctx)); err != nil {
				return err
			}
			logger.Info("scheduler stopped")
			return nil
		},
	}
}

func newStateUpdaterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state-updater",
		Short: "Consume worker and task events and record them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			u := updater.New(rt.st, liveness.NewMemoryTracker(rt.d, logger), rt.d, logger)
			logger.Info("state updater starting")
			if err := ignoreCanceled(u.Run(ctx)); err != nil {
				return err
			}
			logger.Info("state updater stopped")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the state updater and the status API in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			loop := scheduler.NewLoop(rt.st, rt.d, schedulerConfig(), logger)
			u := updater.New(rt.st, liveness.NewMemoryTracker(rt.d, logger), rt.d, logger)
			srv := server.New(rt.st, rt.d, logger,
				server.WithResultTimeout(cfg.ResultTimeout),
				server.WithVersion(Version))
			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(loop.Start(gctx)) })
			g.Go(func() error { return ignoreCanceled(u.Run(gctx)) })
			g.Go(func() error {
				logger.Info("server starting", "addr", cfg.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			logger.Info("server stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.DBPath)
			return nil
		},
	}
}
