// The healthprobe binary is a container healthcheck client: it fetches one
// health bucket from a running process and maps the report to an exit code.
//
//	healthprobe <live|ready|dep> [--timeout N] [--include-data] [--json]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rowanlabs/conveyor/internal/config"
	"github.com/rowanlabs/conveyor/internal/health"
)

func main() {
	opts, err := health.ParseProbeArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: healthprobe <live|ready|dep> [--timeout N] [--include-data] [--json]: %v\n", err)
		os.Exit(health.ExitInvalidArguments)
	}

	cfg, err := config.LoadProbe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "misconfiguration: %v\n", err)
		os.Exit(health.ExitMisconfiguration)
	}
	opts.BaseURL = cfg.BaseURL

	os.Exit(health.RunProbe(context.Background(), opts, os.Stdout))
}
