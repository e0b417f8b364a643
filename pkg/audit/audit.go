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

// Package audit records the outcome of every connection made to the secret
// channel. Events are queued by connection handlers and delivered to a sink
// on a single goroutine, so a slow sink never holds up a handler.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/proctree"
)

// Outcome is the terminal state of one connection.
type Outcome string

const (
	OutcomeServed            Outcome = "served"
	OutcomeRejected          Outcome = "rejected"
	OutcomeIdentityFailed    Outcome = "identity_failed"
	OutcomeEnumerationFailed Outcome = "enumeration_failed"
	OutcomeWriteFailed       Outcome = "write_failed"
	OutcomeConsumed          Outcome = "consumed"
	OutcomeOverloaded        Outcome = "overloaded"
)

// Event describes one finished connection. PeerPID is zero when the peer
// could not be identified.
type Event struct {
	ConnID  string
	PeerPID proctree.PID
	Outcome Outcome
	Bytes   int
	Err     error
	At      time.Time
}

// Sink receives events. It is never called concurrently.
type Sink func(Event)

// DefaultCapacity bounds the number of undelivered events.
const DefaultCapacity = 1024

const batchSize = 16

// Trail is a bounded asynchronous event queue.
type Trail struct {
	q        *queuepkg.Queue
	capacity int64
	sink     Sink
	dropped  atomic.Uint64
	done     chan struct{}
	once     sync.Once
}

// New starts a Trail delivering to sink. A capacity <= 0 means
// DefaultCapacity.
func New(capacity int, sink Sink) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Trail{
		q:        queuepkg.New(int64(capacity)),
		capacity: int64(capacity),
		sink:     sink,
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Record queues e. It returns false when the trail is full or closed; the
// event is then counted as dropped.
func (t *Trail) Record(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if t.q.Len() >= t.capacity {
		t.dropped.Add(1)
		return false
	}
	if err := t.q.Put(e); err != nil {
		t.dropped.Add(1)
		return false
	}
	return true
}

// Dropped is the number of events that were not queued.
func (t *Trail) Dropped() uint64 {
	return t.dropped.Load()
}

// Close stops the delivery goroutine and flushes whatever is still queued.
func (t *Trail) Close() {
	t.once.Do(func() {
		rest := t.q.Dispose()
		<-t.done
		for _, item := range rest {
			t.deliver(item)
		}
	})
}

func (t *Trail) run() {
	defer close(t.done)
	for {
		items, err := t.q.Get(batchSize)
		if err != nil {
			return
		}
		for _, item := range items {
			t.deliver(item)
		}
	}
}

func (t *Trail) deliver(item interface{}) {
	e, ok := item.(Event)
	if !ok || t.sink == nil {
		return
	}
	t.sink(e)
}

// LogSink writes served events at info level and everything else at warn.
func LogSink(l *logger.Logger) Sink {
	return func(e Event) {
		switch e.Outcome {
		case OutcomeServed:
			l.Infof("conn=%s pid=%d outcome=%s bytes=%d", e.ConnID, e.PeerPID, e.Outcome, e.Bytes)
		default:
			if e.Err != nil {
				l.Warnf("conn=%s pid=%d outcome=%s err=%v", e.ConnID, e.PeerPID, e.Outcome, e.Err)
			} else {
				l.Warnf("conn=%s pid=%d outcome=%s", e.ConnID, e.PeerPID, e.Outcome)
			}
		}
	}
}
