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

// initPID is the reaper. Reaching it (or the kernel's pid 0) ends the walk.
const initPID PID = 1

// IsDescendant reports whether candidate is ancestor itself or reachable from
// candidate by following parent links up to ancestor.
//
// The walk visits at most s.Len() parents, so a malformed snapshot that lists
// a pid as its own parent, or contains a cycle, yields false.
func IsDescendant(s Snapshot, candidate, ancestor PID) bool {
	if candidate == ancestor {
		return true
	}
	current := candidate
	for steps := 0; steps < s.Len(); steps++ {
		parent, ok := s.Parent(current)
		if !ok || parent <= initPID {
			return false
		}
		if parent == ancestor {
			return true
		}
		current = parent
	}
	return false
}

// Chain returns the parent chain of pid, starting with pid itself, as far as
// the snapshot can follow it. It is bounded the same way as IsDescendant and
// is meant for log lines explaining a rejection.
func Chain(s Snapshot, pid PID) []PID {
	chain := []PID{pid}
	current := pid
	for steps := 0; steps < s.Len(); steps++ {
		parent, ok := s.Parent(current)
		if !ok {
			break
		}
		chain = append(chain, parent)
		if parent <= initPID {
			break
		}
		current = parent
	}
	return chain
}
