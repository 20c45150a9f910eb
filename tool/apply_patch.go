package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/patch"
)

// ApplyPatchName is the name of the patch tool.
const ApplyPatchName = "apply_patch"

const applyPatchDescription = `Use the apply_patch tool to edit files.
The patch starts with "*** Begin Patch" and ends with "*** End Patch". Each file
operation is one of "*** Add File: <path>", "*** Delete File: <path>" or
"*** Update File: <path>" (optionally followed by "*** Move to: <path>").
Added lines are prefixed with "+". Update hunks start with "@@" and list context
lines prefixed with " ", removed lines with "-" and added lines with "+".
Paths are relative to the working directory.`

// ApplyPatchOptions configure the patch tool.
type ApplyPatchOptions struct {
	// Freeform declares the tool as a custom tool that receives the raw patch.
	// Otherwise it is a function tool taking {"input": "<patch>"}.
	Freeform bool
}

// ApplyPatch edits files with the patch format parsed by package patch.
type ApplyPatch struct {
	opts ApplyPatchOptions
}

// NewApplyPatch creates the patch tool.
func NewApplyPatch(optFns ...func(o *ApplyPatchOptions)) *ApplyPatch {
	var opts ApplyPatchOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ApplyPatch{opts: opts}
}

// Name implements Tool.
func (a *ApplyPatch) Name() string { return ApplyPatchName }

// Description implements Tool.
func (a *ApplyPatch) Description() string { return applyPatchDescription }

// Spec implements Tool.
func (a *ApplyPatch) Spec() model.ToolSpec {
	if a.opts.Freeform {
		return model.ToolSpec{Kind: model.ToolCustom, Name: ApplyPatchName, Description: applyPatchDescription}
	}
	return model.ToolSpec{
		Kind:        model.ToolFunction,
		Name:        ApplyPatchName,
		Description: applyPatchDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "string", "description": "The entire contents of the apply_patch command"},
			},
			"required":             []string{"input"},
			"additionalProperties": false,
		},
	}
}

// Handle implements Tool. Malformed patches and patches that do not match
// the files on disk are reported to the model as failed calls.
func (a *ApplyPatch) Handle(ctx context.Context, inv *Invocation) (Result, error) {
	text := patchText(inv.Input)

	var turn core.TurnContext
	if inv.Env != nil {
		turn = inv.Turn
	}

	p, err := patch.Parse(text)
	if err != nil {
		return Failed(err.Error()), nil
	}
	changes, err := p.Changes(turn.Cwd)
	if err != nil {
		return Failed(fmt.Sprintf("patch does not apply: %v", err)), nil
	}

	verdict := AssessPatch(p.Paths(turn.Cwd), turn.ApprovalPolicy, turn.SandboxPolicy, turn.Cwd)
	switch verdict {
	case Reject:
		return Failed("patch rejected: writing outside of the project; rejected by user approval settings"), nil
	case AskUser:
		decision := inv.review(ctx, approval.KindPatch, core.ApplyPatchApprovalRequest{
			CallID:  inv.CallID,
			Changes: changes,
		})
		switch decision.Normalize() {
		case core.DecisionApproved, core.DecisionApprovedForSession:
		case core.DecisionAbort:
			return Failed("patch rejected by user"), ErrAborted
		default:
			return Failed("patch rejected by user"), nil
		}
	}

	if err := inv.emit(ctx, core.PatchApplyBegin{CallID: inv.CallID, AutoApproved: verdict == AutoApprove, Changes: changes}); err != nil {
		return Result{}, err
	}
	summary, applyErr := p.Apply(turn.Cwd)
	end := core.PatchApplyEnd{CallID: inv.CallID, Success: applyErr == nil}
	if applyErr != nil {
		end.Stderr = applyErr.Error()
	} else {
		end.Stdout = summary.String()
	}
	if err := inv.emit(ctx, end); err != nil {
		return Result{}, err
	}
	if applyErr != nil {
		inv.logger().Warn("Patch failed", "call_id", inv.CallID, "error", applyErr.Error())
		return Failed(applyErr.Error()), nil
	}
	return Succeeded(end.Stdout), nil
}

// patchText accepts the raw patch or the {"input": ...} function arguments.
func patchText(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var args struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args.Input
		}
	}
	return input
}

var _ Tool = (*ApplyPatch)(nil)
