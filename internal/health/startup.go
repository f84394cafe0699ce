package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// StartupCheck is one named check executed before the process reports
// ready. Critical failures abort startup; non-critical ones are logged and
// skipped.
type StartupCheck struct {
	Name     string
	Order    int
	Critical bool
	Run      func(ctx context.Context) error
}

// StartupRunner executes startup checks in ascending order.
type StartupRunner struct {
	checks []StartupCheck
	names  map[string]struct{}
}

// NewStartupRunner creates an empty runner.
func NewStartupRunner() *StartupRunner {
	return &StartupRunner{names: make(map[string]struct{})}
}

// Add registers a check. Duplicate names are rejected.
func (r *StartupRunner) Add(check StartupCheck) error {
	if check.Name == "" || check.Run == nil {
		return fmt.Errorf("%w: startup check name and func are required", domain.ErrInvalidInput)
	}
	if _, dup := r.names[check.Name]; dup {
		return fmt.Errorf("%w: duplicate startup check %q", domain.ErrInvalidInput, check.Name)
	}
	r.names[check.Name] = struct{}{}
	r.checks = append(r.checks, check)
	return nil
}

// RunAll executes every check in ascending Order. A critical failure aborts
// the remaining checks and is returned; non-critical failures are logged at
// warning and execution continues.
func (r *StartupRunner) RunAll(ctx context.Context) error {
	ordered := make([]StartupCheck, len(r.checks))
	copy(ordered, r.checks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for _, check := range ordered {
		err := check.Run(ctx)
		if err == nil {
			slog.InfoContext(ctx, "startup check passed", "check", check.Name)
			continue
		}
		if check.Critical {
			return fmt.Errorf("startup check %q failed: %w", check.Name, err)
		}
		slog.WarnContext(ctx, "non-critical startup check failed",
			"check", check.Name, "error", err)
	}
	return nil
}
