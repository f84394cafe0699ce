package health

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe exit codes. Degraded still exits healthy: the process serves
// traffic, it just wants attention.
const (
	ExitHealthy          = 0
	ExitNonHealthy       = 1
	ExitMisconfiguration = 2
	ExitException        = 3
	ExitInvalidArguments = 4
)

// ProbeOptions is a parsed probe invocation.
type ProbeOptions struct {
	BaseURL     string
	Bucket      Bucket
	Timeout     time.Duration
	IncludeData bool
	JSON        bool
}

// ParseProbeArgs parses "healthprobe <bucket> [--timeout N] [--include-data]
// [--json]". Unknown flags and unknown buckets fail parsing.
func ParseProbeArgs(args []string) (ProbeOptions, error) {
	fs := flag.NewFlagSet("healthprobe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	timeoutSecs := fs.Int("timeout", 5, "probe timeout in seconds")
	includeData := fs.Bool("include-data", false, "include check data in output")
	asJSON := fs.Bool("json", false, "emit the raw report as JSON")

	if len(args) == 0 {
		return ProbeOptions{}, fmt.Errorf("bucket argument is required")
	}

	bucket := Bucket(args[0])
	switch bucket {
	case BucketLive, BucketReady, BucketDep:
	default:
		return ProbeOptions{}, fmt.Errorf("unknown bucket %q", args[0])
	}

	if err := fs.Parse(args[1:]); err != nil {
		return ProbeOptions{}, err
	}
	if fs.NArg() > 0 {
		return ProbeOptions{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if *timeoutSecs <= 0 {
		return ProbeOptions{}, fmt.Errorf("timeout must be positive")
	}

	return ProbeOptions{
		Bucket:      bucket,
		Timeout:     time.Duration(*timeoutSecs) * time.Second,
		IncludeData: *includeData,
		JSON:        *asJSON,
	}, nil
}

func bucketPath(bucket Bucket) string {
	switch bucket {
	case BucketReady:
		return "/readyz"
	case BucketDep:
		return "/health/dep"
	default:
		return "/healthz"
	}
}

// RunProbe fetches the bucket's endpoint and maps the report to an exit
// code. Writes a human-readable or JSON summary to out.
func RunProbe(ctx context.Context, opts ProbeOptions, out io.Writer) int {
	if opts.BaseURL == "" {
		fmt.Fprintln(out, "misconfiguration: no health endpoint configured")
		return ExitMisconfiguration
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.BaseURL+bucketPath(opts.Bucket), nil)
	if err != nil {
		fmt.Fprintf(out, "misconfiguration: %v\n", err)
		return ExitMisconfiguration
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(out, "probe failed: %v\n", err)
		return ExitException
	}
	defer resp.Body.Close()

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		fmt.Fprintf(out, "probe failed: undecodable response: %v\n", err)
		return ExitException
	}

	if !opts.IncludeData {
		for i := range report.Checks {
			report.Checks[i].Data = nil
		}
	}

	if opts.JSON {
		_ = json.NewEncoder(out).Encode(report)
	} else {
		fmt.Fprintf(out, "%s: %s (%dms)\n", report.Bucket, report.Status, report.TotalDurationMs)
		for _, check := range report.Checks {
			fmt.Fprintf(out, "  %-24s %-10s %s\n", check.Name, check.Status, check.Description)
		}
	}

	if report.Status == StatusUnhealthy {
		return ExitNonHealthy
	}
	return ExitHealthy
}
