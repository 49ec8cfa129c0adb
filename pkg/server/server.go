package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	*http.Server
	Logger *slog.Logger
	// CleanUpFuncs is a list of functions that will be called when the server has successfully shutdown.
	CleanUpFuncs []func(ctx context.Context)
}

// Start serves until ctx is done, then shuts the server down gracefully. It
// returns once the shutdown and the cleanup functions are complete.
func (s *Server) Start(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info(fmt.Sprintf("server %s shutting down", s.Server.Addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		if err != nil {
			err = fmt.Errorf("server shutdown: %w", err)
		}
		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}
		done <- err
	}()

	logger.Info(fmt.Sprintf("server started at %s", s.Server.Addr))

	err := s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server exit: %w", err)
	}
	return <-done
}
