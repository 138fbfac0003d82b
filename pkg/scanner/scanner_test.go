package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/stretchr/testify/require"

	appErrors "github.com/harborside/media-vault/pkg/errors"
)

func TestPatternFlagsPHPTag(t *testing.T) {
	p := NewPattern()
	payload := append([]byte{0xff, 0xd8, 0xff, 0xe0}, []byte(`garbage <?php system($_GET["c"]); ?>`)...)

	res, err := p.Scan(context.Background(), Request{Prefix: payload})
	require.NoError(t, err)
	require.Equal(t, VerdictSuspicious, res.Verdict)
	require.NotEmpty(t, res.Signature)
}

func TestPatternFlagsDangerousCalls(t *testing.T) {
	p := NewPattern()
	for _, payload := range []string{
		`x = eval (input)`,
		`base64_decode("aGk=")`,
		`<script>alert(1)</script>`,
		"#!/bin/sh\nrm -rf /",
	} {
		res, err := p.Scan(context.Background(), Request{Prefix: []byte(payload)})
		require.NoError(t, err)
		require.Equal(t, VerdictSuspicious, res.Verdict, "payload %q", payload)
	}
}

func TestPatternPassesCleanImageBytes(t *testing.T) {
	p := NewPattern()
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x01, 0x02}

	res, err := p.Scan(context.Background(), Request{Prefix: payload})
	require.NoError(t, err)
	require.Equal(t, VerdictClean, res.Verdict)
}

func TestClamAVRejectsUnlistedBinary(t *testing.T) {
	_, err := NewClamAV("/tmp/evil", []string{"/usr/bin/clamdscan"}, time.Second, nil)
	require.Error(t, err)
}

func TestClamAVParsesVerdicts(t *testing.T) {
	cases := []struct {
		name    string
		result  execute.ExecResult
		verdict Verdict
		sig     string
	}{
		{"clean", execute.ExecResult{ExitCode: 0}, VerdictClean, ""},
		{"infected", execute.ExecResult{ExitCode: 1, Stdout: "/tmp/f.jpg: Eicar-Signature FOUND\n"}, VerdictInfected, "Eicar-Signature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
				require.Equal(t, "/usr/bin/clamdscan", task.Command)
				require.Equal(t, []string{"--no-summary", "--infected", "/tmp/f.jpg"}, task.Args)
				return tc.result, nil
			}
			c, err := NewClamAV("/usr/bin/clamdscan", []string{"/usr/bin/clamdscan"}, time.Second, runner)
			require.NoError(t, err)

			res, err := c.Scan(context.Background(), Request{Path: "/tmp/f.jpg"})
			require.NoError(t, err)
			require.Equal(t, tc.verdict, res.Verdict)
			require.Equal(t, tc.sig, res.Signature)
		})
	}
}

func TestClamAVUnexpectedExitIsUnavailable(t *testing.T) {
	runner := func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
		return execute.ExecResult{ExitCode: 2, Stderr: "cannot connect to clamd"}, nil
	}
	c, err := NewClamAV("/usr/bin/clamdscan", []string{"/usr/bin/clamdscan"}, time.Second, runner)
	require.NoError(t, err)

	_, err = c.Scan(context.Background(), Request{Path: "/tmp/f.jpg"})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrScannerUnavailable.Code, appErrors.FromError(err).Code)
}

func TestClamAVTimeoutIsTimeout(t *testing.T) {
	runner := func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
		<-ctx.Done()
		return execute.ExecResult{}, ctx.Err()
	}
	c, err := NewClamAV("/usr/bin/clamdscan", []string{"/usr/bin/clamdscan"}, 10*time.Millisecond, runner)
	require.NoError(t, err)

	_, err = c.Scan(context.Background(), Request{Path: "/tmp/f.jpg"})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrScannerTimeout.Code, appErrors.FromError(err).Code)
}

func TestRegistrySelectsConfiguredEngines(t *testing.T) {
	pattern := NewPattern()
	available := map[string]Scanner{"pattern": pattern}

	reg, err := NewRegistry([]string{"pattern"}, available)
	require.NoError(t, err)
	require.Len(t, reg.Engines(), 1)

	_, err = NewRegistry([]string{"nope"}, available)
	require.Error(t, err)
}

func TestClamAVRunnerErrorIsUnavailable(t *testing.T) {
	runner := func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
		return execute.ExecResult{}, errors.New("fork failed")
	}
	c, err := NewClamAV("/usr/bin/clamdscan", []string{"/usr/bin/clamdscan"}, time.Second, runner)
	require.NoError(t, err)

	_, err = c.Scan(context.Background(), Request{Path: "/tmp/f.jpg"})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrScannerUnavailable.Code, appErrors.FromError(err).Code)
}
