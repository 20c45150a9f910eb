package core

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ApprovalPolicy decides when the user is asked before a command runs.
type ApprovalPolicy string

const (
	// ApprovalUntrusted asks for everything except known safe, read-only commands.
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	// ApprovalOnFailure runs commands and asks only to retry after a failure.
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	// ApprovalOnRequest lets the model decide when to escalate.
	ApprovalOnRequest ApprovalPolicy = "on-request"
	// ApprovalNever never asks; failures are returned to the model.
	ApprovalNever ApprovalPolicy = "never"
)

// ParseApprovalPolicy validates s. An empty string yields ApprovalOnRequest.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch p := ApprovalPolicy(s); p {
	case "":
		return ApprovalOnRequest, nil
	case ApprovalUntrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown approval policy %q", s)
	}
}

// SandboxMode names the isolation level requested for tool execution.
type SandboxMode string

const (
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
)

// SandboxPolicy describes where tools may write. Enforcement is left to the
// host; the runtime only uses it to decide whether a change needs approval.
type SandboxPolicy struct {
	Mode          SandboxMode `json:"mode" yaml:"mode"`
	WritableRoots []string    `json:"writable_roots,omitempty" yaml:"writable_roots"`
	NetworkAccess bool        `json:"network_access,omitempty" yaml:"network_access"`
}

// ReadOnlyPolicy returns the default sandbox policy.
func ReadOnlyPolicy() SandboxPolicy { return SandboxPolicy{Mode: SandboxReadOnly} }

// WorkspaceWritePolicy allows writes below cwd and the given roots.
func WorkspaceWritePolicy(roots ...string) SandboxPolicy {
	return SandboxPolicy{Mode: SandboxWorkspaceWrite, WritableRoots: roots}
}

// Validate checks the mode.
func (p SandboxPolicy) Validate() error {
	switch p.Mode {
	case SandboxDangerFullAccess, SandboxReadOnly, SandboxWorkspaceWrite:
		return nil
	default:
		return fmt.Errorf("unknown sandbox mode %q", p.Mode)
	}
}

// CanWrite reports whether path may be written without asking, given cwd.
func (p SandboxPolicy) CanWrite(cwd, path string) bool {
	switch p.Mode {
	case SandboxDangerFullAccess:
		return true
	case SandboxWorkspaceWrite:
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		path = filepath.Clean(path)
		roots := append([]string{cwd}, p.WritableRoots...)
		for _, root := range roots {
			root = filepath.Clean(root)
			if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// TurnContext is the per-turn configuration snapshot.
type TurnContext struct {
	Cwd              string         `json:"cwd"`
	Model            string         `json:"model"`
	ApprovalPolicy   ApprovalPolicy `json:"approval_policy"`
	SandboxPolicy    SandboxPolicy  `json:"sandbox_policy"`
	BaseInstructions string         `json:"base_instructions,omitempty"`
	UserInstructions string         `json:"user_instructions,omitempty"`
}

// Clone returns a deep copy.
func (tc TurnContext) Clone() TurnContext {
	tc.SandboxPolicy.WritableRoots = slices.Clone(tc.SandboxPolicy.WritableRoots)
	return tc
}

// Apply returns a copy with the overrides applied.
func (tc TurnContext) Apply(o OverrideTurnContext) TurnContext {
	out := tc.Clone()
	if o.Cwd != nil {
		out.Cwd = *o.Cwd
	}
	if o.ApprovalPolicy != nil {
		out.ApprovalPolicy = *o.ApprovalPolicy
	}
	if o.SandboxPolicy != nil {
		out.SandboxPolicy = *o.SandboxPolicy
		out.SandboxPolicy.WritableRoots = slices.Clone(o.SandboxPolicy.WritableRoots)
	}
	return out
}
