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

// Package transport serves a secret over a unix socket to the serving
// process and its descendants.
//
// The wire protocol is the connection itself: an admitted peer reads the
// whole secret followed by end-of-stream, anyone else reads end-of-stream
// immediately. Nothing is read from the peer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/audit"
	"github.com/srediag/tmpmemstore/pkg/proctree"
	"github.com/srediag/tmpmemstore/pkg/security"
)

// ErrClosed is returned by Ready once the channel has been closed.
var ErrClosed = errors.New("secret channel closed")

// Handle is a serving session. Close must be called on every path; it is
// safe to call more than once.
type Handle struct {
	secret   []byte
	endpoint *Endpoint
	ln       *net.UnixListener
	auth     *security.Authenticator
	pool     *ants.Pool
	conns    cmap.ConcurrentMap[string, net.Conn]
	policy   Policy
	consumed atomic.Bool
	metrics  *metrics
	trail    *audit.Trail
	tracer   trace.Tracer
	log      *logger.Logger

	wg        sync.WaitGroup
	loopDone  chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Serve binds ep, restricts its permissions and starts accepting in the
// background. Peers are admitted when they are ancestor or descend from it.
//
// Serve keeps its own copy of secret and zeroes it on Close. If Serve fails,
// ep has already been removed.
func Serve(secret []byte, ep *Endpoint, ancestor proctree.PID, opts ...Option) (*Handle, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	h := &Handle{
		secret:   append([]byte(nil), secret...),
		endpoint: ep,
		auth:     security.NewAuthenticator(ancestor, o.resolver, o.enumerator),
		conns:    cmap.New[net.Conn](),
		policy:   o.policy,
		tracer:   o.tracer,
		log:      o.log,
		loopDone: make(chan struct{}),
	}
	sink := o.auditSink
	if sink == nil {
		sink = audit.LogSink(o.log)
	}
	h.trail = audit.New(o.auditCapacity, sink)

	fail := func(err error) (*Handle, error) {
		if h.ln != nil {
			_ = h.ln.Close()
		}
		if h.pool != nil {
			h.pool.Release()
		}
		h.trail.Close()
		clear(h.secret)
		if rerr := ep.Remove(); rerr != nil {
			h.log.Warnf("remove endpoint %s: %v", ep.Path(), rerr)
		}
		return nil, err
	}

	m, err := newMetrics(o.registerer, h.trail)
	if err != nil {
		return fail(fmt.Errorf("register metrics: %w", err))
	}
	h.metrics = m

	pool, err := ants.NewPool(o.maxInFlight,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			h.log.Errorf("connection handler panic: %v", p)
		}),
		ants.WithLogger(antsLogger{o.log}),
	)
	if err != nil {
		return fail(fmt.Errorf("create handler pool: %w", err))
	}
	h.pool = pool

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: ep.Path(), Net: "unix"})
	if err != nil {
		return fail(fmt.Errorf("bind %s: %w", ep.Path(), err))
	}
	ep.markBound()
	// The endpoint owns removal of the socket file.
	ln.SetUnlinkOnClose(false)
	h.ln = ln

	if err := os.Chmod(ep.Path(), o.mode); err != nil {
		return fail(fmt.Errorf("chmod %s: %w", ep.Path(), err))
	}

	h.log.Debugf("serving %d bytes on %s for pid %d (mode %04o, policy %s, max in flight %d)",
		len(h.secret), ep.Path(), ancestor, uint32(o.mode), o.policy, o.maxInFlight)
	go h.acceptLoop()
	return h, nil
}

// Addr is the socket path.
func (h *Handle) Addr() string {
	return h.endpoint.Path()
}

// Ready reports whether the channel is still accepting and its socket file
// is in place.
func (h *Handle) Ready() error {
	if h.closing.Load() {
		return ErrClosed
	}
	if _, err := os.Lstat(h.endpoint.Path()); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	return nil
}

// Close stops accepting, drops connections still in flight, zeroes the
// secret and removes the endpoint.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		var errs []error
		if err := h.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
		<-h.loopDone
		for _, c := range h.conns.Items() {
			_ = c.Close()
		}
		h.wg.Wait()
		h.pool.Release()
		h.trail.Close()
		clear(h.secret)
		if err := h.endpoint.Remove(); err != nil {
			errs = append(errs, err)
		}
		h.closeErr = errors.Join(errs...)
		h.log.Debugf("channel %s closed", h.endpoint.Path())
	})
	return h.closeErr
}

func (h *Handle) acceptLoop() {
	defer close(h.loopDone)
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 5 * time.Millisecond
	delay.MaxInterval = time.Second
	delay.MaxElapsedTime = 0
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if h.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			h.metrics.acceptErrors.Inc()
			wait := delay.NextBackOff()
			h.log.Warnf("accept: %v; retrying in %v", err, wait)
			time.Sleep(wait)
			continue
		}
		delay.Reset()
		h.dispatch(conn)
	}
}

func (h *Handle) dispatch(conn net.Conn) {
	id := uuid.NewString()
	h.metrics.accepted.Inc()
	h.metrics.inFlight.Inc()
	h.conns.Set(id, conn)
	h.wg.Add(1)
	if err := h.pool.Submit(func() { h.handle(id, conn) }); err != nil {
		h.finish(id, conn, audit.Event{ConnID: id, Outcome: audit.OutcomeOverloaded, Err: err})
	}
}

// handle runs one connection to completion:
// accepted -> identity resolved -> authorized -> secret sent -> closed,
// or closed directly from any failed step with nothing written.
func (h *Handle) handle(id string, conn net.Conn) {
	ctx, span := h.tracer.Start(context.Background(), "tmpmemstore.channel.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("conn.id", id)))
	defer span.End()

	ev := audit.Event{ConnID: id}
	defer func() {
		span.SetAttributes(
			attribute.Int("peer.pid", int(ev.PeerPID)),
			attribute.String("outcome", string(ev.Outcome)),
		)
		if ev.Err != nil {
			span.SetStatus(codes.Error, ev.Err.Error())
		}
		h.finish(id, conn, ev)
	}()

	pid, err := h.auth.Authenticate(ctx, conn)
	ev.PeerPID = pid
	if err != nil {
		ev.Err = err
		switch {
		case errors.Is(err, security.ErrIdentity):
			ev.Outcome = audit.OutcomeIdentityFailed
		case errors.Is(err, proctree.ErrEnumeration):
			ev.Outcome = audit.OutcomeEnumerationFailed
		default:
			ev.Outcome = audit.OutcomeRejected
		}
		return
	}

	if h.policy == ServeOnce && !h.consumed.CompareAndSwap(false, true) {
		ev.Outcome = audit.OutcomeConsumed
		return
	}

	n, err := conn.Write(h.secret)
	ev.Bytes = n
	h.metrics.bytesServed.Add(float64(n))
	if err != nil {
		ev.Outcome = audit.OutcomeWriteFailed
		ev.Err = fmt.Errorf("write: %w", err)
		return
	}
	ev.Outcome = audit.OutcomeServed
}

// finish closes conn and accounts for it. It runs exactly once per accepted
// connection.
func (h *Handle) finish(id string, conn net.Conn, ev audit.Event) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.log.Debugf("conn=%s close: %v", id, err)
	}
	h.conns.Remove(id)
	h.metrics.inFlight.Dec()
	h.metrics.outcome(ev.Outcome)
	h.trail.Record(ev)
	h.wg.Done()
}

type antsLogger struct {
	l *logger.Logger
}

func (a antsLogger) Printf(format string, args ...interface{}) {
	a.l.Warnf(format, args...)
}
