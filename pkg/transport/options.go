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

package transport

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/audit"
	"github.com/srediag/tmpmemstore/pkg/proctree"
	"github.com/srediag/tmpmemstore/pkg/security"
)

// Policy decides how many authenticated peers receive the secret.
type Policy int

const (
	// ServeAlways serves every authenticated connection until Close.
	ServeAlways Policy = iota
	// ServeOnce serves the first authenticated connection only; later
	// authenticated peers see an empty stream. A failed write still uses up
	// the secret, since part of it may have been delivered.
	ServeOnce
)

func (p Policy) String() string {
	switch p {
	case ServeAlways:
		return "always"
	case ServeOnce:
		return "once"
	default:
		return "unknown"
	}
}

const (
	// DefaultSocketMode lets only the owner connect.
	DefaultSocketMode os.FileMode = 0o600
	// DefaultMaxInFlight bounds concurrently running connection handlers.
	DefaultMaxInFlight = 64
)

type options struct {
	mode          os.FileMode
	maxInFlight   int
	policy        Policy
	resolver      security.PeerResolver
	enumerator    proctree.Enumerator
	registerer    prometheus.Registerer
	tracer        trace.Tracer
	auditCapacity int
	auditSink     audit.Sink
	log           *logger.Logger
}

func defaultOptions() *options {
	return &options{
		mode:        DefaultSocketMode,
		maxInFlight: DefaultMaxInFlight,
		policy:      ServeAlways,
		tracer:      noop.NewTracerProvider().Tracer("github.com/srediag/tmpmemstore/pkg/transport"),
		log:         logger.New("channel", nil),
	}
}

// Option customizes Serve.
type Option func(*options)

// WithSocketMode sets the permission bits applied to the socket file.
// Anything broader than DefaultSocketMode lets other local users reach the
// ancestry check.
func WithSocketMode(mode os.FileMode) Option {
	return func(o *options) { o.mode = mode.Perm() }
}

// WithMaxInFlight bounds concurrently running handlers. Connections arriving
// while the bound is reached are closed without data. n <= 0 is unbounded.
func WithMaxInFlight(n int) Option {
	return func(o *options) { o.maxInFlight = n }
}

// WithPolicy selects the serve policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithPeerResolver replaces the kernel peer credential lookup.
func WithPeerResolver(r security.PeerResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithEnumerator replaces the live process table.
func WithEnumerator(e proctree.Enumerator) Option {
	return func(o *options) { o.enumerator = e }
}

// WithRegisterer registers the channel metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracer records one span per connection.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAudit sets the audit queue capacity and sink. A nil sink logs events.
func WithAudit(capacity int, sink audit.Sink) Option {
	return func(o *options) {
		o.auditCapacity = capacity
		o.auditSink = sink
	}
}

// WithLogger replaces the channel logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
