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

package proctree

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemEnumerator reads the live process table through gopsutil.
type SystemEnumerator struct{}

// NewSystemEnumerator returns the enumerator backed by the running system.
func NewSystemEnumerator() SystemEnumerator {
	return SystemEnumerator{}
}

// Snapshot lists every live pid and its parent. Processes that exit between
// listing and parent lookup are left out; only a failure to list at all is an
// error.
func (SystemEnumerator) Snapshot(ctx context.Context) (Snapshot, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}
	parents := make(map[PID]PID, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		parents[PID(pid)] = PID(ppid)
	}
	return Snapshot{parents: parents}, nil
}
