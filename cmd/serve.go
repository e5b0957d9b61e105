package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docextract/internal/api"
	"github.com/sells-group/docextract/internal/jobs"
)

var (
	servePort            int
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run job executors and the HTTP control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initWorker(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		queue := jobs.NewQueue(env.Worker,
			jobs.WithExecutors(cfg.Worker.Executors),
			jobs.WithQueueSize(cfg.Worker.QueueSize),
		)
		manager := jobs.NewManager(env.Store, queue,
			jobs.WithSampleSize(cfg.Jobs.SampleSize),
			jobs.WithPublisher(env.Publisher),
		)
		if _, _, err := manager.Recover(ctx); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewRouter(manager, api.Options{AllowedOrigins: cfg.Server.AllowedOrigins}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.Int("executors", cfg.Worker.Executors))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveShutdownTimeout)
			defer cancel()

			// Running jobs pause after their document in flight.
			env.Worker.Shutdown()
			httpErr := srv.Shutdown(shutdownCtx)
			queueErr := queue.Shutdown(shutdownCtx)
			if queueErr != nil {
				zap.L().Warn("job executors did not drain before timeout", zap.Error(queueErr))
			}
			return errors.Join(httpErr, queueErr)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 2*time.Minute, "time allowed for in-flight documents to finish")
	rootCmd.AddCommand(serveCmd)
}
