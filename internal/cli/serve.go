package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/wlshot/internal/config"
	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve captures over HTTP and WebSocket",
		Long: `serve keeps one compositor connection open and answers capture
requests on /api/capture, /api/outputs, /api/status and /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return apperrors.Wrapf(err, apperrors.CodeUnavailable, "listen on %s", cfg.HTTPAddr)
			}
			return serve(cmd.Context(), cfg, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $WLSHOT_HTTP_ADDR or 127.0.0.1:8765)")
	return cmd
}

// serve runs the capture service on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	c, err := newCapturer(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer c.Close()

	srv := server.New(c, cfg)
	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: server.RequestTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("capture server starting", "http", ln.Addr().String(), "backend", c.Backend())
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeUnavailable, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	srv.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}
