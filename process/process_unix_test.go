//go:build unix

package process

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sh(script string) []string { return []string{"/bin/sh", "-c", script} }

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	out, err := Run(context.Background(), Params{Command: sh("echo out; echo err >&2; exit 3")})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "out\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
	assert.True(t, out.Drained)
	assert.False(t, out.TimedOut)
}

func TestRun_CwdAndEnv(t *testing.T) {
	dir := t.TempDir()
	out, err := Run(context.Background(), Params{
		Command: sh(`pwd; echo "$GREETING"`),
		Cwd:     dir,
		Env:     map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	require.Len(t, lines, 2)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "hello", lines[1])
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	out, err := Run(context.Background(), Params{Command: sh("echo started; sleep 10"), Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Equal(t, TimeoutExitCode, out.ExitCode)
	assert.Equal(t, "started\n", out.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_DrainTimeoutWithGrandchildHoldingPipe(t *testing.T) {
	start := time.Now()
	out, err := Run(context.Background(), Params{
		Command:      sh("echo parent; sleep 10 & exit 0"),
		Timeout:      5 * time.Second,
		DrainTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, out.Drained)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "parent\n", out.Stdout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_MaxOutputBytes(t *testing.T) {
	out, err := Run(context.Background(), Params{
		Command:        sh("i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done"),
		MaxOutputBytes: 64,
	})
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 64)
	assert.True(t, out.Truncated)
	assert.True(t, out.Drained)
}

func TestRun_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Params{Command: sh("sleep 10")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_StartFailure(t *testing.T) {
	_, err := Run(context.Background(), Params{Command: []string{"/definitely/not/here"}})
	assert.Error(t, err)
}

func TestRun_SignalExitCode(t *testing.T) {
	out, err := Run(context.Background(), Params{Command: sh("kill -TERM $$")})
	require.NoError(t, err)
	assert.Equal(t, 128+15, out.ExitCode)
}
