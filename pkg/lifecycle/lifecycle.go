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

// Package lifecycle runs one tmpmemstore session: serve the secret, run the
// child with the channel address in its environment, tear everything down
// when the child exits.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/tmpmemstore/internal/config"
	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/health"
	"github.com/srediag/tmpmemstore/pkg/proctree"
	"github.com/srediag/tmpmemstore/pkg/transport"
)

// ErrWorkingDir is returned when the current directory cannot be determined;
// the child would otherwise start somewhere unexpected.
var ErrWorkingDir = errors.New("working directory")

const shutdownTimeout = 5 * time.Second

// Session describes one run.
type Session struct {
	Secret []byte
	// SocketPath is where to bind; empty means a fresh private temp dir.
	SocketPath string
	Argv       []string
	Config     *config.Config
	// Registry receives the channel metrics; nil creates a private one.
	Registry *prometheus.Registry

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log *logger.Logger
}

// Run serves the secret for as long as the child runs and returns the
// child's exit code. Setup failures return an error before the child is
// spawned; the endpoint is removed on every path.
func (s *Session) Run(ctx context.Context) (int, error) {
	if len(s.Argv) == 0 {
		return 1, ErrNoCommand
	}
	log := s.Log
	if log == nil {
		log = logger.New("lifecycle", nil)
	}
	cfg := s.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	dir, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrWorkingDir, err)
	}

	var ep *transport.Endpoint
	if s.SocketPath == "" {
		ep, err = transport.NewTempEndpoint()
	} else {
		ep, err = transport.NewEndpoint(s.SocketPath)
	}
	if err != nil {
		return 1, err
	}

	h, err := transport.Serve(s.Secret, ep, proctree.PID(os.Getpid()), channelOptions(cfg, reg, log)...)
	if err != nil {
		return 1, err
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Errorf("close channel: %v", err)
		}
	}()

	if cfg.DebugAddr != "" {
		srv, err := health.Start(cfg.DebugAddr, health.NewHandler(reg, h.Ready), log)
		if err != nil {
			return 1, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warnf("stop debug endpoint: %v", err)
			}
		}()
	}

	child := &Child{
		Argv:   s.Argv,
		Dir:    dir,
		Env:    []string{transport.EnvSocket + "=" + h.Addr()},
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
		Log:    log,
	}
	code, err := child.Run(ctx)
	log.Debugf("child %q exited with %d", s.Argv[0], code)
	return code, err
}

func channelOptions(cfg *config.Config, reg prometheus.Registerer, log *logger.Logger) []transport.Option {
	policy := transport.ServeAlways
	if cfg.ServePolicy == config.ServeOnce {
		policy = transport.ServeOnce
	}
	return []transport.Option{
		transport.WithSocketMode(os.FileMode(cfg.SocketMode)),
		transport.WithMaxInFlight(cfg.MaxInFlight),
		transport.WithPolicy(policy),
		transport.WithAudit(cfg.AuditCapacity, nil),
		transport.WithRegisterer(reg),
		transport.WithLogger(log),
	}
}
