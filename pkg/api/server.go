// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.


// Package api serves the local HTTP interface: status, upload requests,
// the log pane and transfer history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/olahol/melody"
	"github.com/picolink/picolink-core/pkg/api/middleware"
	"github.com/picolink/picolink-core/pkg/api/models"
	"github.com/picolink/picolink-core/pkg/api/validation"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transport"
	"github.com/rs/zerolog/log"
)

const (
	RequestTimeout  = 30 * time.Second
	DefaultLogLimit = 200
	maxBodySize     = 64 * 1024
	shutdownTimeout = 5 * time.Second
)

// ErrUnavailable is returned by a Backend that is shutting down.
var ErrUnavailable = errors.New("service unavailable")

type Backend interface {
	Status() models.Status
	// StartUpload claims the link and starts the upload in the background,
	// returning its session id.
	StartUpload(path string) (string, error)
	Logs(limit int) []string
	SubscribeLogs() (<-chan string, func())
	WriteHistoryCSV(w io.Writer) error
}

type Server struct {
	backend Backend
	limiter *middleware.IPRateLimiter
	ws      *melody.Melody
	router  chi.Router
}

func NewServer(backend Backend, allowedOrigins []string) *Server {
	s := &Server{
		backend: backend,
		limiter: middleware.NewIPRateLimiter(nil),
		ws:      melody.New(),
	}
	s.ws.Upgrader.CheckOrigin = checkOrigin(allowedOrigins)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.NoCache)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(RequestTimeout))
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/logs", s.handleLogs)
		r.Get("/api/history.csv", s.handleHistory)
		r.With(middleware.HTTPRateLimitMiddleware(s.limiter)).
			Post("/api/upload", s.handleUpload)
	})

	r.Get("/api/logs/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ws.HandleRequest(w, r); err != nil {
			log.Error().Err(err).Msg("handling websocket request")
		}
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on listen until ctx is cancelled.
func Serve(ctx context.Context, listen string, backend Backend, allowedOrigins []string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	return NewServer(backend, allowedOrigins).Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.limiter.StartCleanup(bctx)
	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		s.broadcastLogs(bctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	cancel()
	<-broadcastDone
	if cerr := s.ws.Close(); cerr != nil && !errors.Is(cerr, melody.ErrClosed) {
		log.Warn().Err(cerr).Msg("error closing websocket sessions")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("error shutting down API server")
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	log.Info().Msg("API server stopped")
	return nil
}

func (s *Server) broadcastLogs(ctx context.Context) {
	lines, cancel := s.backend.SubscribeLogs()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := s.ws.Broadcast([]byte(line)); err != nil && !errors.Is(err, melody.ErrClosed) {
				log.Error().Err(err).Msg("broadcasting log line")
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, models.LogsResponse{Lines: s.backend.Logs(limit)})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := s.backend.WriteHistoryCSV(w); err != nil {
		log.Error().Err(err).Msg("writing transfer history")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var params models.UploadParams
	if err := validation.ValidateAndUnmarshal(body, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.backend.StartUpload(params.Path)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, models.UploadResponse{ID: id})
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("path", params.Path).Msg("failed to start upload")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding API response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, models.ErrorResponse{Error: msg})
}

// checkOrigin allows same-host requests without an Origin header and any
// origin listed in allowed. "*" allows everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
