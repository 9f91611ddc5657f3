package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/handlers"
	"github.com/imagepipe/imagepipe/imagepipe/internal/notification"
	"github.com/imagepipe/imagepipe/imagepipe/internal/pipeline"
	"github.com/imagepipe/imagepipe/imagepipe/internal/server"
	"github.com/imagepipe/imagepipe/imagepipe/internal/source"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and its HTTP API",
		Long: `Starts the subscriber groups, the processing and notification
consumers, the optional MinIO bucket listener and the HTTP API.
Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			logging.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(ctx, cfg, logger, ln)
		},
	}
}

// serve runs the service on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger, ln net.Listener) error {
	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, err := pipeline.Connect(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Error("Transport close failed", logging.Error(err))
		}
	}()

	ch, err := notification.New(cfg.Notifier, tr.Alerts, cfg.Workers.NotifyTimeout, logger)
	if err != nil {
		return fmt.Errorf("notification channel: %w", err)
	}

	p, err := pipeline.New(cfg, pipeline.Deps{
		Broker:     tr.Broker,
		WorkQueue:  tr.WorkQueue,
		DeadLetter: tr.DeadLetter,
		Store:      st,
		Channel:    ch,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if cfg.Source.Minio.Enabled {
		mc, err := source.NewMinioClient(cfg.Source.Minio)
		if err != nil {
			_ = p.Stop(context.Background())
			return fmt.Errorf("minio client: %w", err)
		}
		listener := source.NewMinioListener(mc, p, cfg.Source.Minio, logger)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Bucket listener stopped", logging.Error(err))
			}
		}()
	}

	h := handlers.NewHandler(p, st, tr.DeadLetter, tr.Broker, logger)
	srv := server.New(cfg.Server, server.NewRouter(h))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("imagepipe listening", "addr", ln.Addr().String(),
			"broker", cfg.Broker.Backend, "store", cfg.Store.Backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := p.Stop(shutdownCtx); err != nil {
		logger.Error("Pipeline stop timed out", logging.Error(err))
	}

	logger.Info("Stopped gracefully")
	return serveErr
}
