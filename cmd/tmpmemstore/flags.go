package main

import (
	"flag"
	"fmt"
	"io"
)

// runFlags holds the flags of "tmpmemstore run".
type runFlags struct {
	Input  string
	Socket string
	Config string
	Args   []string
}

// retrieveFlags holds the flags of "tmpmemstore retrieve".
type retrieveFlags struct {
	Socket string
	Config string
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.Input, "i", "", "Read data from `FILE` instead of prompting (use '-' for stdin)")
	fs.StringVar(&f.Input, "input", "", "Same as -i")
	fs.StringVar(&f.Socket, "s", "", "Create the UNIX socket at `PATH` (default: a private temp dir)")
	fs.StringVar(&f.Socket, "socket", "", "Same as -s")
	fs.StringVar(&f.Config, "config", "", "YAML configuration `file` (default: $TMPMEMSTORE_CONFIG)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: tmpmemstore run [-i FILE|-] [-s PATH] [--config FILE] -- command [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.Args = fs.Args()
	if len(f.Args) == 0 {
		fs.Usage()
		return nil, errMissingCommand
	}
	return f, nil
}

func parseRetrieveFlags(args []string, stderr io.Writer) (*retrieveFlags, error) {
	f := &retrieveFlags{}
	fs := flag.NewFlagSet("retrieve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.Socket, "s", "", "Path to the UNIX socket (default: $TMPMEMSTORE_SOCKET)")
	fs.StringVar(&f.Socket, "socket", "", "Same as -s")
	fs.StringVar(&f.Config, "config", "", "YAML configuration `file` (default: $TMPMEMSTORE_CONFIG)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: tmpmemstore retrieve [-s PATH]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	return f, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tmpmemstore - store data in memory and expose it over a UNIX socket

Usage:
  tmpmemstore run [-i FILE|-] [-s PATH] [--config FILE] -- command [args...]
      Run a command with access to the stored data.
  tmpmemstore retrieve [-s PATH]
      Write the stored data to stdout.
  tmpmemstore --version
`)
}
