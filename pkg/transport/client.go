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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EnvSocket carries the channel address into the spawned command.
const EnvSocket = "TMPMEMSTORE_SOCKET"

// RetrieveOptions tunes how Retrieve waits for the endpoint to appear.
type RetrieveOptions struct {
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Retrieve connects to address and copies everything the channel sends to
// w. A rejected peer gets a nil error and zero bytes: the channel does not
// tell rejection apart from an empty secret.
//
// Dialing is retried while the socket does not exist yet or refuses
// connections; other dial errors are returned immediately.
func Retrieve(ctx context.Context, address string, w io.Writer, opts RetrieveOptions) (int64, error) {
	var conn net.Conn
	dial := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", address)
		if err != nil {
			if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryInterval), opts.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(dial, b); err != nil {
		return 0, fmt.Errorf("connect %s: %w", address, err)
	}
	defer conn.Close()

	n, err := io.Copy(w, conn)
	if err != nil {
		return n, fmt.Errorf("read from %s: %w", address, err)
	}
	return n, nil
}
