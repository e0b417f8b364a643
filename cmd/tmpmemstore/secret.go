package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

const prompt = "Enter data to store: "

// readSecret returns the data to serve. An empty input prompts on the
// terminal without echo, "-" reads stdin to EOF, anything else is a file.
// The content is used as-is, trailing newlines included.
func readSecret(input string, stdin *os.File, tty io.Writer) ([]byte, error) {
	switch input {
	case "":
		return promptSecret(stdin, tty)
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read from stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
}

// promptSecret reads one line without echo when stdin is a terminal, and one
// line from the plain stream otherwise.
func promptSecret(stdin *os.File, tty io.Writer) ([]byte, error) {
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(stdin)
	}
	fmt.Fprint(tty, prompt)
	state, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go restoreOnSignal(fd, state, stop)
	defer fmt.Fprintln(tty)

	data, err := term.ReadPassword(fd)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return data, nil
}

// restoreOnSignal puts the terminal back into its original mode if the user
// interrupts the prompt.
func restoreOnSignal(fd int, state *term.State, stop <-chan struct{}) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case sig := <-sigs:
		_ = term.Restore(fd, state)
		fmt.Fprintln(os.Stderr)
		os.Exit(128 + int(sig.(syscall.Signal)))
	case <-stop:
	}
}

func readLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read from stdin: %w", err)
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	return line, nil
}
