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

// Package proctree captures the live process table as a pid to parent-pid
// mapping and answers ancestry questions over such a capture.
//
// A Snapshot is only meaningful for the instant it was taken. Process ids are
// recycled by the kernel, so callers take a fresh Snapshot for every decision
// instead of caching one.
package proctree

import (
	"context"
	"errors"
)

// PID is an operating-system process id.
type PID int32

// ErrEnumeration is returned when the process listing facility itself fails.
var ErrEnumeration = errors.New("process enumeration failed")

// Snapshot is an immutable pid -> parent pid mapping. A pid missing from the
// mapping is treated as not alive.
type Snapshot struct {
	parents map[PID]PID
}

// NewSnapshot copies parents into a new Snapshot.
func NewSnapshot(parents map[PID]PID) Snapshot {
	m := make(map[PID]PID, len(parents))
	for pid, ppid := range parents {
		m[pid] = ppid
	}
	return Snapshot{parents: m}
}

// Parent returns the parent of pid and whether pid was alive at capture time.
func (s Snapshot) Parent(pid PID) (PID, bool) {
	ppid, ok := s.parents[pid]
	return ppid, ok
}

// Len is the number of processes in the snapshot.
func (s Snapshot) Len() int {
	return len(s.parents)
}

// Enumerator produces snapshots of the live process table.
type Enumerator interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// StaticEnumerator always returns the same mapping. It stands in for the
// live table wherever a deterministic process tree is needed.
type StaticEnumerator map[PID]PID

// Snapshot implements Enumerator.
func (e StaticEnumerator) Snapshot(context.Context) (Snapshot, error) {
	return NewSnapshot(e), nil
}
