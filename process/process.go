// Package process runs external commands with a bounded execution time and a
// bounded output drain.
//
// A command's direct child may exit while grandchildren keep its stdout or
// stderr open. Run therefore reads both pipes itself, and once the child has
// exited it waits at most DrainTimeout for the pipes to reach EOF. On expiry
// the readers are aborted by closing the pipes, the capture buffers are
// sealed and the output collected so far is returned with Drained=false.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds command execution when Params.Timeout is unset.
	DefaultTimeout = 10 * time.Second
	// DefaultDrainTimeout bounds output draining after the child exited.
	DefaultDrainTimeout = 2 * time.Second
	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 1 << 20
	// TimeoutExitCode is reported when the command was killed on timeout.
	TimeoutExitCode = 124
)

// ErrEmptyCommand is returned when Params.Command is empty.
var ErrEmptyCommand = errors.New("empty command")

// Params describes one command invocation.
type Params struct {
	Command        []string
	Cwd            string
	Env            map[string]string
	Timeout        time.Duration
	DrainTimeout   time.Duration
	MaxOutputBytes int
}

// Output is the result of a finished command.
type Output struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Drained   bool
	Truncated bool
}

// Combined returns stdout followed by stderr.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Run executes p.Command and waits for it. A non-zero exit status is not an
// error; it is reported in Output.ExitCode. Errors are returned for commands
// that could not be started and when ctx is cancelled.
func Run(ctx context.Context, p Params) (Output, error) {
	if len(p.Command) == 0 {
		return Output{}, ErrEmptyCommand
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	if p.MaxOutputBytes <= 0 {
		p.MaxOutputBytes = DefaultMaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Cwd
	cmd.Env = mergeEnv(os.Environ(), p.Env)
	cmd.WaitDelay = p.DrainTimeout
	configureCommand(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return Output{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return Output{}, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout, cmd.Stderr = outW, errW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return Output{}, fmt.Errorf("start %s: %w", p.Command[0], err)
	}
	// The child holds its own copies; ours must go so EOF can be observed.
	closeAll(outW, errW)

	stdout, stderr := newCapture(p.MaxOutputBytes), newCapture(p.MaxOutputBytes)
	var readers sync.WaitGroup
	readers.Add(2)
	go copyInto(&readers, stdout, outR)
	go copyInto(&readers, stderr, errR)

	waitErr := cmd.Wait()
	out := Output{Duration: time.Since(start), Drained: true}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	drainTimer := time.NewTimer(p.DrainTimeout)
	select {
	case <-drained:
	case <-drainTimer.C:
		out.Drained = false
		closeAll(outR, errR)
		killGroup(cmd)
		<-drained
	}
	drainTimer.Stop()
	stdout.seal()
	stderr.seal()
	closeAll(outR, errR)

	out.Stdout, out.Stderr = stdout.String(), stderr.String()
	out.Truncated = stdout.truncated() || stderr.truncated()

	switch {
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = TimeoutExitCode
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		out.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitCode(exitErr)
	default:
		return out, fmt.Errorf("wait %s: %w", p.Command[0], waitErr)
	}
	return out, nil
}

func copyInto(wg *sync.WaitGroup, dst *capture, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; !overridden {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// capture is a size capped buffer that discards writes once sealed.
type capture struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	over   bool
	sealed bool
}

func newCapture(limit int) *capture { return &capture{limit: limit} }

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return len(p), nil
	}
	room := c.limit - len(c.buf)
	if room <= 0 {
		c.over = c.over || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.over = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *capture) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

func (c *capture) truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.over
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
