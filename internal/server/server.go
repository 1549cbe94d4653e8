/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/telemetry"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
)

const (
	CompletionsPath = "/v1/completions"
	MetricsPath     = "/metrics"
	HealthzPath     = "/healthz"
	ReadyzPath      = "/readyz"

	maxBodyBytes      = 10 << 20
	readHeaderTimeout = 10 * time.Second
)

var errNotReady = errors.New("server is not accepting requests")

// Server is the completion endpoint in front of the engine
type Server struct {
	spec     v1alpha1.ServerSpec
	engine   engine.Engine
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	logger   logr.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
	ready      atomic.Bool
}

// New creates a server; metrics are served from gatherer
func New(spec v1alpha1.ServerSpec, eng engine.Engine, m *telemetry.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{
		spec:     spec,
		engine:   eng,
		metrics:  m,
		gatherer: gatherer,
		logger:   logr.Discard(),
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+CompletionsPath, s.handleCompletion)
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	health := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	ready := &healthz.Handler{Checks: map[string]healthz.Checker{"engine": s.readyCheck}}
	for path, h := range map[string]http.Handler{HealthzPath: health, ReadyzPath: ready} {
		mux.Handle(path, http.StripPrefix(path, h))
		mux.Handle(path+"/", http.StripPrefix(path, h))
	}

	return mux
}

func (s *Server) readyCheck(_ *http.Request) error {
	if !s.ready.Load() {
		return errNotReady
	}
	return nil
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	s.metrics.RequestReceived()

	var req v1alpha1.CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, telemetry.ReasonBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.reject(w, http.StatusBadRequest, telemetry.ReasonBadRequest, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if err := s.engine.AddRequest(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, engine.ErrRequestTooLarge):
			s.reject(w, http.StatusUnprocessableEntity, telemetry.ReasonTooLarge, err)
		case errors.Is(err, engine.ErrEngineClosed):
			s.reject(w, http.StatusServiceUnavailable, telemetry.ReasonEngineClosed, err)
		default:
			s.reject(w, http.StatusInternalServerError, telemetry.ReasonEngineError, err)
		}
		return
	}

	s.logger.Info("Request received", "requestID", req.RequestID, "maxResponseLength", req.MaxResponseLength)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string, err error) {
	s.metrics.RequestRejected(reason)
	s.logger.V(1).Info("Request rejected", "status", status, "reason", reason, "error", err.Error())
	http.Error(w, err.Error(), status)
}

// Start binds the listener and serves in the background. Bind errors are returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}
	s.logger = log.FromContext(ctx).WithName("server")

	addr := net.JoinHostPort(s.spec.Host, strconv.Itoa(s.spec.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error(err, "Completion server stopped unexpectedly")
		}
		s.serveErr <- err
	}()

	s.ready.Store(true)
	s.logger.Info("Completion server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully within the configured shutdown timeout
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	s.ready.Store(false)

	if timeout := s.spec.ShutdownTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down completion server: %w", err)
	}
	err := <-s.serveErr
	s.httpServer = nil
	s.listener = nil

	s.logger.Info("Completion server stopped")
	return err
}
