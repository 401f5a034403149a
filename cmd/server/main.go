package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/livechat/internal/auth"
	"github.com/Tyrowin/livechat/internal/blob"
	"github.com/Tyrowin/livechat/internal/server"
	"github.com/Tyrowin/livechat/internal/store"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livechat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.validate(); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := newLogger(config.LogLevel, config.LogFormat)
	logger.Info("starting livechat server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Config{Driver: config.DBDriver, DSN: config.DatabaseURL}, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		logger.Info("closing database")
		_ = db.Close()
	}()

	blobs, err := blob.Open(config.BlobDir, config.PublicBaseURL, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		logger.Info("closing blob store")
		_ = blobs.Close()
	}()

	srv, err := server.New(config.serverConfig(), server.Dependencies{
		Tokens:      auth.NewCodec([]byte(config.JWTSecret), config.TokenTTL),
		Credentials: db,
		Messages:    db,
		Blobs:       blobs,
		Files:       blobs,
		Logger:      logger,
	})
	if err != nil {
		return exitConfig, err
	}
	srv.Start()

	httpServer := server.CreateServer(srv.Config().Port, srv.Routes())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = srv.Shutdown(config.ShutdownTimeout)
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout, logger); err != nil {
		logger.Warn("http server did not shut down cleanly", "error", err)
	}
	if err := srv.Shutdown(config.ShutdownTimeout); err != nil {
		logger.Warn("hub did not shut down cleanly", "error", err)
	}
	return exitOK, nil
}
