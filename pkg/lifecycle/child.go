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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/srediag/tmpmemstore/internal/logger"
)

var (
	// ErrNoCommand is returned when there is nothing to run.
	ErrNoCommand = errors.New("no command given")
	// ErrSpawn wraps failures to start the child.
	ErrSpawn = errors.New("spawn child")
)

// ForwardedSignals are relayed to the child while it runs.
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// Child is one supervised command.
type Child struct {
	Argv []string
	Dir  string
	// Env is appended to the current environment.
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log *logger.Logger
}

// Run starts the child, relays ForwardedSignals to it, and waits. Cancelling
// ctx sends the child SIGTERM. The returned code mirrors the child's exit
// status, or is 1 when the child was killed by a signal or could not be run.
func (c *Child) Run(ctx context.Context) (int, error) {
	if len(c.Argv) == 0 {
		return 1, ErrNoCommand
	}
	log := c.Log
	if log == nil {
		log = logger.New("lifecycle", nil)
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	sigs := make(chan os.Signal, len(ForwardedSignals))
	signal.Notify(sigs, ForwardedSignals...)
	defer signal.Stop(sigs)

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("%w %q: %w", ErrSpawn, c.Argv[0], err)
	}
	log.Debugf("started %q as pid %d", c.Argv[0], cmd.Process.Pid)

	waited := make(chan struct{})
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		cancelled := ctx.Done()
		for {
			select {
			case sig := <-sigs:
				log.Debugf("forwarding %v to pid %d", sig, cmd.Process.Pid)
				if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
					log.Warnf("forward %v: %v", sig, err)
				}
			case <-cancelled:
				cancelled = nil
				_ = cmd.Process.Signal(syscall.SIGTERM)
			case <-waited:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(waited)
	<-relayed
	return exitCode(err)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code, nil
		}
		// terminated by a signal
		return 1, nil
	}
	return 1, fmt.Errorf("wait: %w", err)
}
