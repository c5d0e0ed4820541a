package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pingsantohq/hostsync/internal/agent"
)

// Set through -ldflags at build time.
var (
	version  = "dev"
	revision = "unknown"
)

type command func(ctx context.Context, args []string, deps agent.Dependencies) error

var commands = map[string]command{
	"run":    agent.Run,
	"once":   agent.Once,
	"render": agent.Render,
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	name := args[0]
	switch name {
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintf(stdout, "hostsync %s (%s)\n", version, revision)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", name)
		printUsage(stderr)
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "command %s failed: panic: %v\n", name, r)
			code = 1
		}
	}()

	deps := agent.Dependencies{Stdout: stdout, Version: version, Revision: revision}
	if err := cmd(ctx, args[1:], deps); err != nil {
		fmt.Fprintf(stderr, "command %s failed: %v\n", name, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "hostsync agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  hostsync run [--config /etc/hostsync/agent.yaml] [--config-pubkey key] [interval-seconds]")
	fmt.Fprintln(w, "  hostsync once [--config path] [--config-pubkey key]")
	fmt.Fprintln(w, "  hostsync render [--config path] [--config-pubkey key]")
	fmt.Fprintln(w, "  hostsync version")
}
