package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/embhttp/embhttp"
	"github.com/embhttp/embhttp/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP engine",
	Long:  `Start the embhttp engine with the demonstration API.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: :8080, env: EMBHTTP_SERVER_ADDR)")
	serveCmd.Flags().String("mode", "", "scheduling mode: conn-goroutine, single-loop (env: EMBHTTP_SERVER_MODE)")
	serveCmd.Flags().Int("max-conns", 0, "maximum concurrent connections, 0 for unlimited (env: EMBHTTP_LIMITS_MAX_CONNS)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	mode, err := embhttp.ParseMode(cfg.Server.Mode)
	if err != nil {
		return err
	}
	if mode == embhttp.ModeExternal {
		return fmt.Errorf("mode %s needs an embedding event loop; embhttpd drives conn-goroutine and single-loop only", mode)
	}

	meter := newStatsMeter()

	srv := &embhttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(cfg, meter),
		Mode:              mode,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxLineBytes:      cfg.Limits.MaxLineBytes,
		MaxHeaderBytes:    cfg.Limits.MaxHeaderBytes,
		MaxBodyBytes:      cfg.Limits.MaxBodyBytes,
		MaxConns:          cfg.Limits.MaxConns,
		Logger:            slog.Default(),
		Meter:             meter,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "err", err)
		}
	}()

	slog.Info("starting server", "addr", cfg.Server.Addr, "mode", mode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, embhttp.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
