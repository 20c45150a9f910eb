package tool

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/codeagent/core"
)

// Verdict is the outcome of a safety assessment.
type Verdict int

const (
	// AutoApprove runs the call without asking.
	AutoApprove Verdict = iota
	// AskUser requests a review decision.
	AskUser
	// Reject refuses the call without asking.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case AutoApprove:
		return "auto_approve"
	case AskUser:
		return "ask_user"
	default:
		return "reject"
	}
}

// AssessCommand decides whether command may run under policy. approved
// reports whether the exact command was approved for the session.
func AssessCommand(command []string, policy core.ApprovalPolicy, approved, escalated bool) Verdict {
	if MightBeDangerous(command) && !approved {
		if policy == core.ApprovalNever {
			return Reject
		}
		return AskUser
	}
	if IsKnownSafe(command) || approved {
		return AutoApprove
	}
	switch policy {
	case core.ApprovalUntrusted:
		return AskUser
	case core.ApprovalOnRequest:
		if escalated {
			return AskUser
		}
		return AutoApprove
	default:
		return AutoApprove
	}
}

// AssessPatch decides whether a patch touching paths may be applied.
func AssessPatch(paths []string, policy core.ApprovalPolicy, sandbox core.SandboxPolicy, cwd string) Verdict {
	if len(paths) == 0 {
		return Reject
	}
	if policy == core.ApprovalUntrusted {
		return AskUser
	}
	constrained := true
	for _, p := range paths {
		if !sandbox.CanWrite(cwd, p) {
			constrained = false
			break
		}
	}
	switch {
	case constrained, policy == core.ApprovalOnFailure:
		return AutoApprove
	case policy == core.ApprovalNever:
		return Reject
	default:
		return AskUser
	}
}

var safeCommands = []string{
	"cat", "cd", "echo", "false", "grep", "head", "ls", "nl", "pwd", "rg",
	"tail", "true", "wc", "which", "whoami", "uname", "stat", "file", "tree",
}

var safeGitSubcommands = []string{"branch", "diff", "log", "show", "status"}

var unsafeFindOptions = []string{"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fls", "-fprint", "-fprint0", "-fprintf"}

// IsKnownSafe reports whether command only reads state. "bash -lc <script>"
// is safe when every &&, || or ; separated part of the script is.
func IsKnownSafe(command []string) bool {
	if len(command) == 0 {
		return false
	}
	if script, ok := shellScript(command); ok {
		parts := splitScript(script)
		if len(parts) == 0 {
			return false
		}
		for _, part := range parts {
			if !IsKnownSafe(part) {
				return false
			}
		}
		return true
	}

	name := filepath.Base(command[0])
	switch {
	case slices.Contains(safeCommands, name):
		return true
	case name == "git":
		return len(command) > 1 && slices.Contains(safeGitSubcommands, command[1])
	case name == "find":
		for _, arg := range command[1:] {
			if slices.Contains(unsafeFindOptions, arg) {
				return false
			}
		}
		return true
	case name == "sed":
		// sed -n {N|M,N}p [file]
		return len(command) <= 4 && len(command) >= 3 && command[1] == "-n" && isPrintRange(command[2])
	default:
		return false
	}
}

// MightBeDangerous flags commands that destroy data even inside a sandbox.
func MightBeDangerous(command []string) bool {
	if script, ok := shellScript(command); ok {
		for _, part := range splitScript(script) {
			if MightBeDangerous(part) {
				return true
			}
		}
		return false
	}
	if len(command) == 0 {
		return false
	}
	switch filepath.Base(command[0]) {
	case "rm":
		for _, arg := range command[1:] {
			if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsAny(arg, "rf") {
				return true
			}
			if arg == "--recursive" || arg == "--force" {
				return true
			}
		}
	case "git":
		if len(command) > 2 && command[1] == "reset" && slices.Contains(command[2:], "--hard") {
			return true
		}
		if len(command) > 1 && command[1] == "clean" {
			return true
		}
	case "mkfs", "dd", "shred":
		return true
	}
	return false
}

func shellScript(command []string) (string, bool) {
	if len(command) != 3 {
		return "", false
	}
	switch filepath.Base(command[0]) {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	if command[1] != "-lc" && command[1] != "-c" {
		return "", false
	}
	return command[2], true
}

// splitScript splits a plain script on &&, || and ;. Scripts using
// redirection, pipes, substitution or quoting are not split and yield nil.
func splitScript(script string) [][]string {
	if !onlyListOperators(script) {
		return nil
	}
	var (
		out  [][]string
		word []string
	)
	for _, tok := range strings.Fields(strings.NewReplacer("&&", " ; ", "||", " ; ", ";", " ; ").Replace(script)) {
		if tok == ";" {
			if len(word) == 0 {
				return nil
			}
			out = append(out, word)
			word = nil
			continue
		}
		word = append(word, tok)
	}
	if len(word) == 0 {
		return nil
	}
	return append(out, word)
}

func onlyListOperators(script string) bool {
	rest := strings.NewReplacer("&&", "", "||", "").Replace(script)
	return !strings.ContainsAny(rest, "><`$()\"'\\\n&|")
}

func isPrintRange(arg string) bool {
	body, ok := strings.CutSuffix(arg, "p")
	if !ok || body == "" {
		return false
	}
	for _, part := range strings.Split(body, ",") {
		if part == "" || strings.Trim(part, "0123456789") != "" {
			return false
		}
	}
	return strings.Count(body, ",") <= 1
}
