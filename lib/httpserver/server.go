// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserver runs an http.Handler on a TCP listener with
// graceful shutdown. The service runs two: the event ingress and the
// metrics endpoint.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves HTTP until its context is cancelled.
type Server struct {
	name            string
	address         string
	handler         http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// Config configures a Server.
type Config struct {
	// Name labels log lines ("ingress", "metrics").
	Name string

	// Address is the TCP listen address (e.g., ":8080",
	// "127.0.0.1:0"). Required.
	Address string

	// Handler is required.
	Handler http.Handler

	// ShutdownTimeout bounds the wait for in-flight requests.
	// Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// New validates the config. Call Serve to start accepting connections.
func New(config Config) (*Server, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("httpserver: address is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("httpserver: handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		name:            config.Name,
		address:         config.Address,
		handler:         config.Handler,
		logger:          logger.With("server", config.Name),
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready is
// closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve binds the listener and serves until ctx is cancelled, then
// stops accepting connections and waits up to the shutdown timeout
// for active requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpserver: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("httpserver: %s shutdown: %w", s.name, err)
	}
	s.logger.Info("http server stopped")
	return nil
}
