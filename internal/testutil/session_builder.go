package testutil

import (
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/session"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Cwd(dir).Policy(core.ApprovalUntrusted).History(items...).Build()
type SessionBuilder struct {
	id      string
	tc      core.TurnContext
	history []core.Item
}

// NewSessionBuilder creates a builder for a session with the given id. The
// turn context defaults to on-request approvals and a workspace-write
// sandbox rooted at the working directory.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, tc: core.TurnContext{
		Model:          "mock",
		ApprovalPolicy: core.ApprovalOnRequest,
		SandboxPolicy:  core.WorkspaceWritePolicy(),
	}}
}

// Cwd sets the working directory (chainable).
func (b *SessionBuilder) Cwd(dir string) *SessionBuilder { b.tc.Cwd = dir; return b }

// Policy sets the approval policy (chainable).
func (b *SessionBuilder) Policy(p core.ApprovalPolicy) *SessionBuilder {
	b.tc.ApprovalPolicy = p
	return b
}

// Sandbox sets the sandbox policy (chainable).
func (b *SessionBuilder) Sandbox(p core.SandboxPolicy) *SessionBuilder {
	b.tc.SandboxPolicy = p
	return b
}

// Instructions sets the base instructions (chainable).
func (b *SessionBuilder) Instructions(text string) *SessionBuilder {
	b.tc.BaseInstructions = text
	return b
}

// History seeds the transcript (chainable).
func (b *SessionBuilder) History(items ...core.Item) *SessionBuilder {
	b.history = append(b.history, items...)
	return b
}

// TurnContext returns the configured turn context.
func (b *SessionBuilder) TurnContext() core.TurnContext { return b.tc.Clone() }

// Build returns the session.
func (b *SessionBuilder) Build() *session.Session {
	return session.New(b.id, b.tc, b.history...)
}
