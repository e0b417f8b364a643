/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package health exposes liveness, readiness and metrics of a serving
// session over HTTP. It is off unless a debug address is configured.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/tmpmemstore/internal/logger"
)

const (
	metricsNamespace = "tmpmemstore"
	// goroutineThreshold fails liveness when handlers pile up far beyond any
	// sane in-flight bound.
	goroutineThreshold = 10000
	readHeaderTimeout  = 5 * time.Second
)

// ReadyFunc reports whether the session can still serve.
type ReadyFunc func() error

// NewHandler serves /live, /ready and /metrics. Check results are exported
// as gauges on reg, and /metrics renders everything gathered from reg.
func NewHandler(reg *prometheus.Registry, ready ReadyFunc) http.Handler {
	hc := healthcheck.NewMetricsHandler(reg, metricsNamespace)
	hc.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	if ready != nil {
		hc.AddReadinessCheck("channel", healthcheck.Check(ready))
	}

	mux := http.NewServeMux()
	mux.Handle("/live", hc)
	mux.Handle("/ready", hc)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// Server is a running debug endpoint.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
	log  *logger.Logger
}

// Start listens on addr and serves h in the background.
func Start(addr string, h http.Handler, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.New("health", nil)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &Server{
		srv:  &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout},
		ln:   ln,
		done: make(chan struct{}),
		log:  log,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("debug endpoint %s: %v", ln.Addr(), err)
		}
	}()
	log.Infof("debug endpoint listening on %s", ln.Addr())
	return s, nil
}

// Addr is the bound address, useful when Start was given port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
