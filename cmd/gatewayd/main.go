// Package main is the entry point for the gatewayd daemon and its CLI.
package main

import (
	"fmt"
	"os"

	"github.com/brewva/gateway/cmd/gatewayd/app"
	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/worker"
)

// main dispatches into one of two roles from a single binary (spec.md §3
// "the worker is the same executable, re-exec'd with GATEWAY_WORKER set"):
// with the env var set, stdin/stdout become the worker bridge's framed
// protocol to its parent supervisor; otherwise this is the gatewayd CLI.
func main() {
	if os.Getenv(config.WorkerEnvVar) != "" {
		runWorker()
		return
	}

	if err := app.NewRootCmd().Execute(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(app.ExitCode(err))
	}
}

func runWorker() {
	bridge := worker.New(os.Stdin, os.Stdout, worker.StubAgent)
	if err := bridge.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}
