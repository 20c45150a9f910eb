package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/hupe1980/codeagent/core"
)

// ErrNoHunks is returned when applying a patch without hunks.
var ErrNoHunks = errors.New("patch has no hunks")

// Summary lists the files touched by Apply, relative to the patch.
type Summary struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// String renders the summary the way the tool reports it to the model.
func (s Summary) String() string {
	var sb strings.Builder
	sb.WriteString("Success. Updated the following files:\n")
	for _, p := range s.Added {
		sb.WriteString("A " + p + "\n")
	}
	for _, p := range s.Modified {
		sb.WriteString("M " + p + "\n")
	}
	for _, p := range s.Deleted {
		sb.WriteString("D " + p + "\n")
	}
	return sb.String()
}

// Paths returns every path the patch writes, resolved against cwd.
func (p *Patch) Paths(cwd string) []string {
	var out []string
	for _, h := range p.Hunks {
		out = append(out, resolve(cwd, h.Target()))
		if u, ok := h.(UpdateFile); ok && u.MovePath != "" {
			out = append(out, resolve(cwd, u.MovePath))
		}
	}
	return out
}

// Changes computes the effect of the patch without touching the file system.
// Keys are absolute paths.
func (p *Patch) Changes(cwd string) (map[string]core.FileChange, error) {
	changes := make(map[string]core.FileChange, len(p.Hunks))
	for _, h := range p.Hunks {
		path := resolve(cwd, h.Target())
		switch h := h.(type) {
		case AddFile:
			changes[path] = core.AddFile{Content: h.Contents}
		case DeleteFile:
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("delete %s: %w", h.Path, err)
			}
			changes[path] = core.DeleteFile{Content: string(data)}
		case UpdateFile:
			old, updated, err := h.compute(path)
			if err != nil {
				return nil, err
			}
			diff, err := unifiedDiff(h.Path, old, updated)
			if err != nil {
				return nil, err
			}
			change := core.UpdateFile{UnifiedDiff: diff}
			if h.MovePath != "" {
				change.MovePath = resolve(cwd, h.MovePath)
			}
			changes[path] = change
		}
	}
	return changes, nil
}

type write struct {
	path    string
	content string
	remove  string
}

// Apply validates every hunk against the file system first and then writes
// the results, so a hunk that does not apply leaves all files untouched.
func (p *Patch) Apply(cwd string) (Summary, error) {
	if len(p.Hunks) == 0 {
		return Summary{}, ErrNoHunks
	}
	var (
		sum    Summary
		writes []write
	)
	for _, h := range p.Hunks {
		path := resolve(cwd, h.Target())
		switch h := h.(type) {
		case AddFile:
			writes = append(writes, write{path: path, content: h.Contents})
			sum.Added = append(sum.Added, h.Path)
		case DeleteFile:
			if _, err := os.Stat(path); err != nil {
				return Summary{}, fmt.Errorf("delete %s: %w", h.Path, err)
			}
			writes = append(writes, write{remove: path})
			sum.Deleted = append(sum.Deleted, h.Path)
		case UpdateFile:
			_, updated, err := h.compute(path)
			if err != nil {
				return Summary{}, err
			}
			w := write{path: path, content: updated}
			if h.MovePath != "" {
				w.path = resolve(cwd, h.MovePath)
				w.remove = path
			}
			writes = append(writes, w)
			sum.Modified = append(sum.Modified, h.Path)
		}
	}

	for _, w := range writes {
		if w.path != "" {
			if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
				return sum, err
			}
			if err := os.WriteFile(w.path, []byte(w.content), 0o644); err != nil {
				return sum, err
			}
		}
		if w.remove != "" && w.remove != w.path {
			if err := os.Remove(w.remove); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return sum, err
			}
		}
	}
	return sum, nil
}

// compute returns the current and the patched content of path.
func (h UpdateFile) compute(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("update %s: %w", h.Path, err)
	}
	old := string(data)
	lines := strings.Split(old, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	type replacement struct {
		start    int
		oldLen   int
		newLines []string
	}
	var repls []replacement
	idx := 0
	for _, c := range h.Chunks {
		if c.Context != "" {
			at := seekSequence(lines, []string{c.Context}, idx, false)
			if at < 0 {
				return "", "", fmt.Errorf("update %s: failed to find context %q", h.Path, c.Context)
			}
			idx = at + 1
		}
		if len(c.OldLines) == 0 {
			repls = append(repls, replacement{start: len(lines), newLines: c.NewLines})
			continue
		}
		pattern, newLines := c.OldLines, c.NewLines
		at := seekSequence(lines, pattern, idx, c.EOF)
		if at < 0 && pattern[len(pattern)-1] == "" {
			pattern = pattern[:len(pattern)-1]
			if len(newLines) > 0 && newLines[len(newLines)-1] == "" {
				newLines = newLines[:len(newLines)-1]
			}
			at = seekSequence(lines, pattern, idx, c.EOF)
		}
		if at < 0 {
			return "", "", fmt.Errorf("update %s: failed to find expected lines:\n%s", h.Path, strings.Join(c.OldLines, "\n"))
		}
		repls = append(repls, replacement{start: at, oldLen: len(pattern), newLines: newLines})
		idx = at + len(pattern)
	}

	sort.SliceStable(repls, func(i, j int) bool { return repls[i].start < repls[j].start })
	for i := len(repls) - 1; i >= 0; i-- {
		r := repls[i]
		tail := append([]string(nil), lines[r.start+r.oldLen:]...)
		lines = append(append(lines[:r.start], r.newLines...), tail...)
	}
	return old, strings.Join(lines, "\n") + "\n", nil
}

// seekSequence finds pattern in lines at or after start. Matching is tried
// exactly, then ignoring trailing whitespace, then ignoring surrounding
// whitespace. With eof set the end of the file is tried first.
func seekSequence(lines, pattern []string, start int, eof bool) int {
	if len(pattern) == 0 {
		return start
	}
	if len(pattern) > len(lines) {
		return -1
	}
	matchers := []func(a, b string) bool{
		func(a, b string) bool { return a == b },
		func(a, b string) bool { return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t") },
		func(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) },
	}
	matchAt := func(i int, eq func(a, b string) bool) bool {
		for j, p := range pattern {
			if !eq(lines[i+j], p) {
				return false
			}
		}
		return true
	}
	for _, eq := range matchers {
		if eof {
			if end := len(lines) - len(pattern); end >= start && matchAt(end, eq) {
				return end
			}
		}
		for i := start; i <= len(lines)-len(pattern); i++ {
			if matchAt(i, eq) {
				return i
			}
		}
	}
	return -1
}

func unifiedDiff(name, old, updated string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(updated),
		FromFile: name,
		ToFile:   name,
		Context:  1,
	})
}

func resolve(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}
