package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/internal/util"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/process"
)

// ShellName is the function name of the shell tool.
const ShellName = "shell"

// MessageExecRejected is returned to the model when the user denied a command.
const MessageExecRejected = "exec command rejected by user"

type shellArgs struct {
	Command                  []string `json:"command" description:"The command to execute as an argv array"`
	Workdir                  string   `json:"workdir,omitempty" description:"The working directory to execute the command in"`
	TimeoutMs                *int64   `json:"timeout_ms,omitempty" description:"The timeout for the command in milliseconds"`
	WithEscalatedPermissions bool     `json:"with_escalated_permissions,omitempty" description:"Whether to request running without sandbox restrictions"`
	Justification            string   `json:"justification,omitempty" description:"Why escalated permissions are needed"`
}

// ShellOptions configure the shell tool.
type ShellOptions struct {
	Timeout        time.Duration
	DrainTimeout   time.Duration
	MaxOutputBytes int
	Env            map[string]string
}

// Shell runs commands after an approval check.
type Shell struct {
	opts   ShellOptions
	params map[string]any
	schema *util.Schema
}

// NewShell creates the shell tool.
func NewShell(optFns ...func(o *ShellOptions)) *Shell {
	opts := ShellOptions{
		Timeout:        process.DefaultTimeout,
		DrainTimeout:   process.DefaultDrainTimeout,
		MaxOutputBytes: process.DefaultMaxOutputBytes,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	params := util.CreateSchema(shellArgs{})
	schema, err := util.CompileSchema(params)
	if err != nil {
		panic(fmt.Sprintf("shell schema: %v", err))
	}
	return &Shell{opts: opts, params: params, schema: schema}
}

// Name implements Tool.
func (s *Shell) Name() string { return ShellName }

// Description implements Tool.
func (s *Shell) Description() string { return "Runs a shell command and returns its output." }

// Spec implements Tool.
func (s *Shell) Spec() model.ToolSpec {
	return model.ToolSpec{Kind: model.ToolFunction, Name: ShellName, Description: s.Description(), Parameters: s.params}
}

type shellOutput struct {
	Output   string        `json:"output"`
	Metadata shellMetadata `json:"metadata"`
}

type shellMetadata struct {
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Handle implements Tool.
func (s *Shell) Handle(ctx context.Context, inv *Invocation) (Result, error) {
	args, err := s.parse(inv)
	if err != nil {
		return Result{}, err
	}

	var turn core.TurnContext
	if inv.Env != nil {
		turn = inv.Turn
	}
	cwd := turn.Cwd
	if args.Workdir != "" {
		if filepath.IsAbs(args.Workdir) {
			cwd = args.Workdir
		} else {
			cwd = filepath.Join(turn.Cwd, args.Workdir)
		}
	}

	approved := inv.Env != nil && inv.Session != nil && inv.Session.ApprovedForSession(args.Command)
	switch AssessCommand(args.Command, turn.ApprovalPolicy, approved, args.WithEscalatedPermissions) {
	case Reject:
		return Failed("exec command rejected: auto-rejected because command is not on trusted list"), nil
	case AskUser:
		if denied, err := s.ask(ctx, inv, args.Command, cwd, args.Justification); denied != nil {
			return *denied, err
		}
	}

	out, err := s.run(ctx, inv, args, cwd)
	if err != nil {
		return Result{}, err
	}

	if out.ExitCode != 0 && !out.TimedOut && turn.ApprovalPolicy == core.ApprovalOnFailure {
		reason := fmt.Sprintf("command failed with exit code %d; retry without sandbox?", out.ExitCode)
		if denied, err := s.ask(ctx, inv, args.Command, cwd, reason); denied != nil {
			return *denied, err
		}
		if out, err = s.run(ctx, inv, args, cwd); err != nil {
			return Result{}, err
		}
	}
	return s.format(out), nil
}

// ask requests a review decision. A non-nil result means the command must not
// run; it and the error are then the tool's outcome.
func (s *Shell) ask(ctx context.Context, inv *Invocation, command []string, cwd, reason string) (*Result, error) {
	decision := inv.review(ctx, approval.KindExec, core.ExecApprovalRequest{
		CallID:  inv.CallID,
		Command: command,
		Cwd:     cwd,
		Reason:  reason,
	})
	switch decision.Normalize() {
	case core.DecisionApprovedForSession:
		if inv.Session != nil {
			inv.Session.ApproveForSession(command)
		}
		return nil, nil
	case core.DecisionApproved:
		return nil, nil
	case core.DecisionAbort:
		res := Failed(MessageExecRejected)
		return &res, ErrAborted
	default:
		res := Failed(MessageExecRejected)
		return &res, nil
	}
}

func (s *Shell) run(ctx context.Context, inv *Invocation, args shellArgs, cwd string) (process.Output, error) {
	timeout := s.timeout(args.TimeoutMs)
	if err := inv.emit(ctx, core.ExecCommandBegin{CallID: inv.CallID, Command: args.Command, Cwd: cwd}); err != nil {
		return process.Output{}, err
	}
	out, err := process.Run(ctx, process.Params{
		Command:        args.Command,
		Cwd:            cwd,
		Env:            s.opts.Env,
		Timeout:        timeout,
		DrainTimeout:   s.opts.DrainTimeout,
		MaxOutputBytes: s.opts.MaxOutputBytes,
	})
	if err != nil {
		if ctx.Err() != nil {
			return process.Output{}, ctx.Err()
		}
		// could not start: report like a failed command
		out = process.Output{ExitCode: -1, Stderr: fmt.Sprintf("execution error: %v", err)}
	}
	end := core.ExecCommandEnd{CallID: inv.CallID, Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode, Duration: out.Duration}
	if err := inv.emit(ctx, end); err != nil {
		return process.Output{}, err
	}
	inv.logger().Debug("Command finished", "call_id", inv.CallID, "exit_code", out.ExitCode, "duration", out.Duration, "drained", out.Drained)
	return out, nil
}

// maxTimeoutMs is the largest millisecond count a time.Duration can hold.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

func (s *Shell) timeout(ms *int64) time.Duration {
	if ms == nil || *ms <= 0 {
		return s.opts.Timeout
	}
	return time.Duration(min(*ms, maxTimeoutMs)) * time.Millisecond
}

func (s *Shell) format(out process.Output) Result {
	text := out.Combined()
	if out.TimedOut {
		text = strings.TrimSpace(text + "\ncommand timed out")
	}
	data, _ := json.Marshal(shellOutput{
		Output: text,
		Metadata: shellMetadata{
			ExitCode:        out.ExitCode,
			DurationSeconds: float64(out.Duration.Round(100*time.Millisecond)) / float64(time.Second),
		},
	})
	if out.ExitCode != 0 {
		return Failed(string(data))
	}
	return Succeeded(string(data))
}

func (s *Shell) parse(inv *Invocation) (shellArgs, error) {
	if inv.Shell != nil {
		args := shellArgs{Command: inv.Shell.Command, Workdir: inv.Shell.WorkingDirectory}
		if inv.Shell.TimeoutMs > 0 {
			ms := inv.Shell.TimeoutMs
			args.TimeoutMs = &ms
		}
		if len(args.Command) == 0 {
			return shellArgs{}, &ToolError{Tool: ShellName, Message: "command must not be empty", Code: CodeValidation}
		}
		return args, nil
	}

	var raw any
	if err := json.Unmarshal([]byte(inv.Input), &raw); err != nil {
		return shellArgs{}, &ToolError{Tool: ShellName, Message: fmt.Sprintf("failed to parse function arguments: %v", err), Code: CodeValidation}
	}
	if err := s.schema.Validate(raw); err != nil {
		return shellArgs{}, &ToolError{Tool: ShellName, Message: fmt.Sprintf("parameter validation failed: %v", err), Code: CodeValidation, Details: err}
	}
	var args shellArgs
	if err := json.Unmarshal([]byte(inv.Input), &args); err != nil {
		return shellArgs{}, &ToolError{Tool: ShellName, Message: err.Error(), Code: CodeValidation}
	}
	if len(args.Command) == 0 {
		return shellArgs{}, &ToolError{Tool: ShellName, Message: "command must not be empty", Code: CodeValidation}
	}
	return args, nil
}

var _ Tool = (*Shell)(nil)
