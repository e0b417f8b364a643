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
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/audit"
	"github.com/srediag/tmpmemstore/pkg/proctree"
	"github.com/srediag/tmpmemstore/pkg/security"
)

const helperEnv = "TMPMEMSTORE_TEST_HELPER"

var testRetrieve = RetrieveOptions{MaxRetries: 20, RetryInterval: 10 * time.Millisecond}

func quietLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}

// scenarioTree is: init(1) -> 1000 -> 1001 -> 1002, and init(1) -> 2000.
var scenarioTree = proctree.StaticEnumerator{
	1000: 1,
	1001: 1000,
	1002: 1001,
	2000: 1,
}

func peerIs(pid proctree.PID) security.PeerResolver {
	return security.PeerResolverFunc(func(net.Conn) (proctree.PID, error) { return pid, nil })
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

type events struct {
	mu  sync.Mutex
	all []audit.Event
}

func (e *events) sink(ev audit.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) outcomes() []audit.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.Outcome, 0, len(e.all))
	for _, ev := range e.all {
		out = append(out, ev.Outcome)
	}
	return out
}

type ChannelTestSuite struct {
	suite.Suite
	events *events
}

func (s *ChannelTestSuite) SetupTest() {
	s.events = &events{}
}

func (s *ChannelTestSuite) serve(secret []byte, ancestor proctree.PID, opts ...Option) *Handle {
	ep, err := NewTempEndpoint()
	s.Require().NoError(err)
	base := []Option{
		WithLogger(quietLogger()),
		WithAudit(0, s.events.sink),
		WithRegisterer(prometheus.NewRegistry()),
	}
	h, err := Serve(secret, ep, ancestor, append(base, opts...)...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = h.Close() })
	return h
}

func (s *ChannelTestSuite) retrieve(h *Handle) []byte {
	var out bytes.Buffer
	_, err := Retrieve(context.Background(), h.Addr(), &out, testRetrieve)
	s.Require().NoError(err)
	return out.Bytes()
}

func (s *ChannelTestSuite) TestServesSelf() {
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()))
	s.Equal("s3kret", string(s.retrieve(h)))
	s.Eventually(func() bool {
		return counterValue(h.metrics.outcomes.WithLabelValues("served")) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal(float64(6), counterValue(h.metrics.bytesServed))
}

func (s *ChannelTestSuite) TestScenarioGrandchildServed() {
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(peerIs(1002)), WithEnumerator(scenarioTree))
	s.Equal("s3kret", string(s.retrieve(h)))
}

func (s *ChannelTestSuite) TestScenarioUnrelatedRejected() {
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(peerIs(2000)), WithEnumerator(scenarioTree))
	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		o := s.events.outcomes()
		return len(o) == 1 && o[0] == audit.OutcomeRejected
	}, time.Second, 5*time.Millisecond)
}

func (s *ChannelTestSuite) TestVanishedPeerRejected() {
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(peerIs(4242)), WithEnumerator(scenarioTree))
	s.Empty(s.retrieve(h))
}

func (s *ChannelTestSuite) TestIdentityFailureWritesNothing() {
	failing := security.PeerResolverFunc(func(net.Conn) (proctree.PID, error) {
		return 0, errors.New("getsockopt: bad file descriptor")
	})
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(failing), WithEnumerator(scenarioTree))
	s.Empty(s.retrieve(h))
	// the loop keeps serving after a failure
	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		return counterValue(h.metrics.outcomes.WithLabelValues(string(audit.OutcomeIdentityFailed))) == 2
	}, time.Second, 5*time.Millisecond)
}

type brokenEnumerator struct{}

func (brokenEnumerator) Snapshot(context.Context) (proctree.Snapshot, error) {
	return proctree.Snapshot{}, proctree.ErrEnumeration
}

func (s *ChannelTestSuite) TestEnumerationFailureWritesNothing() {
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(peerIs(1001)), WithEnumerator(brokenEnumerator{}))
	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		o := s.events.outcomes()
		return len(o) == 1 && o[0] == audit.OutcomeEnumerationFailed
	}, time.Second, 5*time.Millisecond)
}

func (s *ChannelTestSuite) TestLargeSecretByteForByte() {
	secret := make([]byte, 4<<20)
	_, err := crand.Read(secret)
	s.Require().NoError(err)
	h := s.serve(secret, proctree.PID(os.Getpid()))
	got := s.retrieve(h)
	s.Require().Equal(len(secret), len(got))
	s.True(bytes.Equal(secret, got))
}

func (s *ChannelTestSuite) TestSecretIsCopied() {
	secret := []byte("s3kret")
	h := s.serve(secret, proctree.PID(os.Getpid()))
	clear(secret)
	s.Equal("s3kret", string(s.retrieve(h)))
}

func (s *ChannelTestSuite) TestConcurrentPeers() {
	secret := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	h := s.serve(secret, proctree.PID(os.Getpid()), WithMaxInFlight(0))

	const peers = 32
	var wg sync.WaitGroup
	results := make([][]byte, peers)
	errs := make([]error, peers)
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out bytes.Buffer
			_, errs[i] = Retrieve(context.Background(), h.Addr(), &out, testRetrieve)
			results[i] = out.Bytes()
		}(i)
	}
	wg.Wait()
	for i := 0; i < peers; i++ {
		s.Require().NoError(errs[i])
		s.True(bytes.Equal(secret, results[i]), "peer %d got %d bytes", i, len(results[i]))
	}
}

// blockingResolver holds the first connection until release is closed and
// admits every connection as pid 1001.
type blockingResolver struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newBlockingResolver() *blockingResolver {
	return &blockingResolver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingResolver) Resolve(net.Conn) (proctree.PID, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return 1001, nil
}

func (s *ChannelTestSuite) TestSlowPeerDoesNotBlockOthers() {
	r := newBlockingResolver()
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(r), WithEnumerator(scenarioTree))

	slow, err := net.Dial("unix", h.Addr())
	s.Require().NoError(err)
	defer slow.Close()
	<-r.entered

	s.Equal("s3kret", string(s.retrieve(h)))

	close(r.release)
	got, err := io.ReadAll(slow)
	s.Require().NoError(err)
	s.Equal("s3kret", string(got))
}

func (s *ChannelTestSuite) TestSaturatedPoolDropsNewPeers() {
	r := newBlockingResolver()
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(r), WithEnumerator(scenarioTree), WithMaxInFlight(1))

	slow, err := net.Dial("unix", h.Addr())
	s.Require().NoError(err)
	defer slow.Close()
	<-r.entered

	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		return counterValue(h.metrics.outcomes.WithLabelValues(string(audit.OutcomeOverloaded))) == 1
	}, time.Second, 5*time.Millisecond)

	close(r.release)
	got, err := io.ReadAll(slow)
	s.Require().NoError(err)
	s.Equal("s3kret", string(got))
}

func (s *ChannelTestSuite) TestServeOncePolicy() {
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()), WithPolicy(ServeOnce))
	s.Equal("s3kret", string(s.retrieve(h)))
	s.Empty(s.retrieve(h))
	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		return counterValue(h.metrics.outcomes.WithLabelValues(string(audit.OutcomeConsumed))) == 2
	}, time.Second, 5*time.Millisecond)
}

func (s *ChannelTestSuite) TestServeAlwaysPolicy() {
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()))
	for i := 0; i < 3; i++ {
		s.Equal("s3kret", string(s.retrieve(h)))
	}
}

func (s *ChannelTestSuite) TestSocketMode() {
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()))
	st, err := os.Stat(h.Addr())
	s.Require().NoError(err)
	s.Equal(os.ModeSocket, st.Mode().Type())
	s.Equal(DefaultSocketMode, st.Mode().Perm())

	wide := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()), WithSocketMode(0o666))
	st, err = os.Stat(wide.Addr())
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o666), st.Mode().Perm())
}

func (s *ChannelTestSuite) TestCloseRemovesEndpoint() {
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()))
	s.Require().NoError(h.Ready())
	addr := h.Addr()

	s.Require().NoError(h.Close())
	_, err := os.Stat(addr)
	s.True(os.IsNotExist(err))
	s.ErrorIs(h.Ready(), ErrClosed)
	s.Equal(make([]byte, 6), h.secret)

	_, err = Retrieve(context.Background(), addr, io.Discard, RetrieveOptions{})
	s.Error(err)
	// idempotent
	s.NoError(h.Close())
}

func (s *ChannelTestSuite) TestCloseUnblocksStalledPeer() {
	r := newBlockingResolver()
	h := s.serve([]byte("s3kret"), 1000, WithPeerResolver(r), WithEnumerator(scenarioTree))

	slow, err := net.Dial("unix", h.Addr())
	s.Require().NoError(err)
	defer slow.Close()
	<-r.entered

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()
	// Close waits for the handler, which waits for the resolver.
	select {
	case <-closed:
		s.Fail("Close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(r.release)
	s.NoError(<-closed)

	got, _ := io.ReadAll(slow)
	s.Empty(got)
}

func (s *ChannelTestSuite) TestRealDescendant() {
	if os.Getenv(helperEnv) != "" {
		s.T().Skip("running as helper")
	}
	h := s.serve([]byte("s3kret"), proctree.PID(os.Getpid()))

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperRetrieve$")
	cmd.Env = append(os.Environ(), helperEnv+"=1", EnvSocket+"="+h.Addr())
	out, err := cmd.Output()
	s.Require().NoError(err)
	s.Equal("s3kret", string(out))
}

func (s *ChannelTestSuite) TestRealNonDescendantRejected() {
	sibling := exec.Command("sleep", "10")
	s.Require().NoError(sibling.Start())
	defer func() {
		_ = sibling.Process.Kill()
		_ = sibling.Wait()
	}()

	// This process is the sibling's parent, never its descendant.
	h := s.serve([]byte("s3kret"), proctree.PID(sibling.Process.Pid))
	s.Empty(s.retrieve(h))
	s.Eventually(func() bool {
		o := s.events.outcomes()
		return len(o) == 1 && o[0] == audit.OutcomeRejected
	}, time.Second, 5*time.Millisecond)
}

func (s *ChannelTestSuite) TestDuplicateRegistration() {
	reg := prometheus.NewRegistry()
	s.serve([]byte("a"), proctree.PID(os.Getpid()), WithRegisterer(reg))

	ep, err := NewTempEndpoint()
	s.Require().NoError(err)
	_, err = Serve([]byte("b"), ep, proctree.PID(os.Getpid()), WithLogger(quietLogger()), WithRegisterer(reg))
	s.Error(err)
	// the failed session cleaned up after itself
	_, statErr := os.Stat(ep.Path())
	s.True(os.IsNotExist(statErr))
}

// TestHelperRetrieve is the body of the child process in TestRealDescendant.
func TestHelperRetrieve(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		t.Skip("helper process only")
	}
	if _, err := Retrieve(context.Background(), os.Getenv(EnvSocket), os.Stdout, testRetrieve); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func TestChannelTestSuite(t *testing.T) {
	if os.Getenv(helperEnv) != "" {
		t.Skip("running as helper")
	}
	suite.Run(t, new(ChannelTestSuite))
}
