package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	execute "github.com/alexellis/go-execute/v2"

	appErrors "github.com/harborside/media-vault/pkg/errors"
)

// clamdscan exit codes.
const (
	clamExitClean    = 0
	clamExitInfected = 1
)

// ClamAV shells out to clamdscan/clamscan. The binary must come from the
// configured allowlist and arguments are fixed, so a poisoned configuration
// value cannot turn the scanner into an arbitrary-command runner.
type ClamAV struct {
	binary  string
	timeout time.Duration
	runner  TaskRunner
}

// TaskRunner abstracts subprocess execution for tests.
type TaskRunner func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)

// NewClamAV validates the binary against the allowlist.
func NewClamAV(binary string, allowlist []string, timeout time.Duration, runner TaskRunner) (*ClamAV, error) {
	allowed := false
	for _, candidate := range allowlist {
		if candidate == binary {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("scanner binary %q not in allowlist", binary)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if runner == nil {
		runner = func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			return task.Execute(ctx)
		}
	}
	return &ClamAV{binary: binary, timeout: timeout, runner: runner}, nil
}

// Name returns the engine key.
func (c *ClamAV) Name() string { return "clamav" }

// Scan invokes the AV binary with a hard timeout. Exit code 0 is clean, 1 is
// infected; anything else is an infrastructure failure for the circuit
// breaker, never a verdict.
func (c *ClamAV) Scan(ctx context.Context, req Request) (Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	task := execute.ExecTask{
		Command:     c.binary,
		Args:        []string{"--no-summary", "--infected", req.Path},
		StreamStdio: false,
	}

	res, err := c.runner(scanCtx, task)
	if err != nil {
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			return Result{}, appErrors.Wrap(err, appErrors.ErrScannerTimeout.Code,
				appErrors.ErrScannerTimeout.Status, appErrors.ErrScannerTimeout.Message)
		}
		return Result{}, appErrors.Wrap(err, appErrors.ErrScannerUnavailable.Code,
			appErrors.ErrScannerUnavailable.Status, appErrors.ErrScannerUnavailable.Message)
	}

	switch res.ExitCode {
	case clamExitClean:
		return Result{Engine: c.Name(), Verdict: VerdictClean}, nil
	case clamExitInfected:
		return Result{Engine: c.Name(), Verdict: VerdictInfected, Signature: parseSignature(res.Stdout)}, nil
	default:
		return Result{}, appErrors.Clone(appErrors.ErrScannerUnavailable,
			fmt.Sprintf("scanner exited with code %d", res.ExitCode))
	}
}

// parseSignature extracts the signature name from clamdscan output of the
// form "/path/to/file: Eicar-Signature FOUND".
func parseSignature(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, "FOUND") {
			continue
		}
		if idx := strings.LastIndex(line, ": "); idx >= 0 {
			return strings.TrimSuffix(strings.TrimSpace(line[idx+2:]), " FOUND")
		}
	}
	return ""
}
