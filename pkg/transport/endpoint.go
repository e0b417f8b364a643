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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	tempDirPattern = "tmpmemstore-"
	socketName     = "socket"
)

// Endpoint is the filesystem address of the secret channel. It owns the
// socket file once bound and, for generated addresses, the private directory
// holding it. Remove releases both, exactly once.
type Endpoint struct {
	path    string
	tempDir string

	mu      sync.Mutex
	bound   bool
	removed bool
	err     error
}

// NewEndpoint uses path as the address, creating missing parent directories
// with owner-only permissions.
func NewEndpoint(path string) (*Endpoint, error) {
	if path == "" {
		return nil, errors.New("endpoint path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("endpoint path %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("create endpoint directory: %w", err)
	}
	return &Endpoint{path: abs}, nil
}

// NewTempEndpoint generates an address inside a fresh 0700 directory under
// the system temporary directory.
func NewTempEndpoint() (*Endpoint, error) {
	dir, err := os.MkdirTemp("", tempDirPattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary directory: %w", err)
	}
	return &Endpoint{path: filepath.Join(dir, socketName), tempDir: dir}, nil
}

// Path is the socket address.
func (e *Endpoint) Path() string {
	return e.path
}

// markBound records that the socket file at Path now belongs to us.
func (e *Endpoint) markBound() {
	e.mu.Lock()
	e.bound = true
	e.mu.Unlock()
}

// Remove deletes the socket file if it was bound by us, then the generated
// directory if there is one. Later calls return the first call's result.
func (e *Endpoint) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return e.err
	}
	e.removed = true
	var errs []error
	if e.bound {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
	}
	if e.tempDir != "" {
		if err := os.Remove(e.tempDir); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove directory: %w", err))
		}
	}
	e.err = errors.Join(errs...)
	return e.err
}
