package core

// Submission is a client issued operation addressed to one conversation.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op is the closed set of operations a client can submit.
type Op interface{ isOp() }

// UserInput starts a turn, or is injected into the running one.
type UserInput struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// ExecApproval answers an ExecApprovalRequest.
type ExecApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// PatchApproval answers an ApplyPatchApprovalRequest.
type PatchApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// Interrupt aborts the active turn.
type Interrupt struct{}

// GetHistory requests a ConversationHistory snapshot.
type GetHistory struct{}

// OverrideTurnContext replaces parts of the turn context for subsequent turns.
type OverrideTurnContext struct {
	Cwd            *string         `json:"cwd,omitempty"`
	ApprovalPolicy *ApprovalPolicy `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy  `json:"sandbox_policy,omitempty"`
}

// Shutdown stops the conversation loop.
type Shutdown struct{}

func (UserInput) isOp()           {}
func (ExecApproval) isOp()        {}
func (PatchApproval) isOp()       {}
func (Interrupt) isOp()           {}
func (GetHistory) isOp()          {}
func (OverrideTurnContext) isOp() {}
func (Shutdown) isOp()            {}

// Message converts user input into a user message.
func (u UserInput) Message() Message {
	content := make([]ContentItem, 0, 1+len(u.Images))
	if u.Text != "" {
		content = append(content, InputText{Text: u.Text})
	}
	for _, img := range u.Images {
		content = append(content, InputImage{ImageURL: img})
	}
	return Message{Role: "user", Content: content}
}
