// Command tmpmemstore keeps a secret in memory and hands it to a command and
// that command's descendants over a UNIX socket.
//
//	tmpmemstore run -- make deploy
//	tmpmemstore retrieve   # from inside the command
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/srediag/tmpmemstore/internal/config"
	"github.com/srediag/tmpmemstore/internal/logger"
	"github.com/srediag/tmpmemstore/pkg/lifecycle"
	"github.com/srediag/tmpmemstore/pkg/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errMissingCommand = errors.New("missing command to run after --")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	switch args[0] {
	case "run":
		return runCommand(args[1:], stdin, stdout, stderr)
	case "retrieve":
		return retrieveData(args[1:], stdout, stderr)
	case "--version", "-version", "version":
		fmt.Fprintf(stdout, "tmpmemstore %s\n", version)
		return 0
	case "-h", "--help", "-help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "tmpmemstore: unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func loadConfig(path string, stderr io.Writer) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LogLevel != nil {
		logger.SetLevel(*cfg.LogLevel)
	}
	return cfg, logger.New("tmpmemstore", stderr), nil
}

func runCommand(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, log, err := loadConfig(f.Config, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tmpmemstore: %v\n", err)
		return 1
	}

	secret, err := readSecret(f.Input, stdin, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tmpmemstore: %v\n", err)
		return 1
	}
	defer clear(secret)

	sess := &lifecycle.Session{
		Secret:     secret,
		SocketPath: f.Socket,
		Argv:       f.Args,
		Config:     cfg,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		Log:        log,
	}
	code, err := sess.Run(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "tmpmemstore: %v\n", err)
		return 1
	}
	return code
}

func retrieveData(args []string, stdout, stderr io.Writer) int {
	f, err := parseRetrieveFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, _, err := loadConfig(f.Config, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tmpmemstore: %v\n", err)
		return 1
	}

	address := f.Socket
	if address == "" {
		address = os.Getenv(transport.EnvSocket)
	}
	if address == "" {
		fmt.Fprintf(stderr, "tmpmemstore: no socket path given and %s is not set\n", transport.EnvSocket)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err = transport.Retrieve(ctx, address, stdout, transport.RetrieveOptions{
		MaxRetries:    cfg.Retrieve.MaxRetries,
		RetryInterval: cfg.Retrieve.RetryInterval,
	})
	if err != nil {
		fmt.Fprintf(stderr, "tmpmemstore: %v\n", err)
		return 1
	}
	return 0
}
