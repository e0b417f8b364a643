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

// Package security decides whether a peer on a local connection may receive
// the secret: the peer's process must be the serving process or one of its
// live descendants.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"

	internaltransport "github.com/srediag/tmpmemstore/internal/transport"
	"github.com/srediag/tmpmemstore/pkg/proctree"
)

var (
	// ErrIdentity is returned when the peer's pid cannot be determined.
	ErrIdentity = errors.New("peer identity unavailable")
	// ErrNotDescendant is returned for a peer outside the ancestor's tree.
	ErrNotDescendant = errors.New("peer is not a descendant")
)

// PeerResolver extracts the process id of the peer on conn.
type PeerResolver interface {
	Resolve(conn net.Conn) (proctree.PID, error)
}

// PeerResolverFunc adapts a function to PeerResolver.
type PeerResolverFunc func(conn net.Conn) (proctree.PID, error)

// Resolve implements PeerResolver.
func (f PeerResolverFunc) Resolve(conn net.Conn) (proctree.PID, error) {
	return f(conn)
}

// SocketPeerResolver asks the kernel for the peer credentials of a unix
// socket connection.
type SocketPeerResolver struct{}

// Resolve implements PeerResolver.
func (SocketPeerResolver) Resolve(conn net.Conn) (proctree.PID, error) {
	pid, err := internaltransport.PeerPID(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIdentity, err)
	}
	return proctree.PID(pid), nil
}

// Authenticator gates connections on process ancestry.
type Authenticator struct {
	resolver   PeerResolver
	enumerator proctree.Enumerator
	ancestor   proctree.PID
}

// NewAuthenticator returns an Authenticator admitting ancestor and its
// descendants. Nil collaborators fall back to the kernel-backed defaults.
func NewAuthenticator(ancestor proctree.PID, resolver PeerResolver, enumerator proctree.Enumerator) *Authenticator {
	if resolver == nil {
		resolver = SocketPeerResolver{}
	}
	if enumerator == nil {
		enumerator = proctree.NewSystemEnumerator()
	}
	return &Authenticator{
		resolver:   resolver,
		enumerator: enumerator,
		ancestor:   ancestor,
	}
}

// Ancestor is the pid whose process tree is admitted.
func (a *Authenticator) Ancestor() proctree.PID {
	return a.ancestor
}

// Authenticate resolves the peer of conn and checks it against a snapshot
// taken for this call. The returned pid is valid whenever resolution
// succeeded, including when the peer is rejected.
//
// Errors wrap ErrIdentity, proctree.ErrEnumeration or ErrNotDescendant.
func (a *Authenticator) Authenticate(ctx context.Context, conn net.Conn) (proctree.PID, error) {
	pid, err := a.resolver.Resolve(conn)
	if err != nil {
		if !errors.Is(err, ErrIdentity) {
			err = fmt.Errorf("%w: %w", ErrIdentity, err)
		}
		return 0, err
	}
	snap, err := a.enumerator.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, proctree.ErrEnumeration) {
			err = fmt.Errorf("%w: %w", proctree.ErrEnumeration, err)
		}
		return pid, err
	}
	if !proctree.IsDescendant(snap, pid, a.ancestor) {
		return pid, fmt.Errorf("%w: pid %d chain %v, ancestor %d",
			ErrNotDescendant, pid, proctree.Chain(snap, pid), a.ancestor)
	}
	return pid, nil
}
