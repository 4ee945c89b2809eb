package service

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunUntilSignal starts srv on addr and blocks until SIGTERM/SIGINT or a
// listener failure, then shuts the server down gracefully. It returns a
// non-nil error only when the listener failed.
func RunUntilSignal(srv *Server, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "service", srv.Name(), "addr", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "service", srv.Name(), "signal", sig)
	case runErr = <-errCh:
		slog.Error("Server error triggered shutdown", "service", srv.Name(), "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "service", srv.Name(), "error", err)
	}
	slog.Info("Shutdown complete", "service", srv.Name())
	return runErr
}
