package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Listener timeouts. Upgraded WebSocket connections manage their own
// deadlines once hijacked.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
)

// CreateServer wraps handler in an http.Server bound to addr.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// StartServer blocks serving srv. After ShutdownServer it returns
// http.ErrServerClosed.
func StartServer(srv *http.Server, logger *slog.Logger) error {
	logger.Info("server listening", "addr", srv.Addr)
	return srv.ListenAndServe()
}

// ShutdownServer stops accepting requests and waits up to timeout for
// in-flight ones to finish.
func ShutdownServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("shutting down http server", "timeout", timeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
		return err
	}
	logger.Info("http server stopped")
	return nil
}
