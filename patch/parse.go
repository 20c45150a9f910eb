// Package patch parses and applies the file-oriented patch format used by the
// apply_patch tool:
//
//	*** Begin Patch
//	*** Add File: hello.txt
//	+Hello
//	*** Update File: src/app.go
//	*** Move to: src/main.go
//	@@ func main() {
//	-	println("old")
//	+	println("new")
//	*** Delete File: obsolete.txt
//	*** End Patch
package patch

import (
	"fmt"
	"strings"
)

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	deletePrefix = "*** Delete File: "
	updatePrefix = "*** Update File: "
	movePrefix   = "*** Move to: "
	eofMarker    = "*** End of File"
	chunkPrefix  = "@@"
)

// Hunk is one file operation of a patch.
type Hunk interface {
	// Target returns the path the hunk operates on, as written in the patch.
	Target() string
}

// AddFile creates a file with Contents.
type AddFile struct {
	Path     string
	Contents string
}

// DeleteFile removes a file.
type DeleteFile struct {
	Path string
}

// UpdateFile edits a file in place and optionally renames it.
type UpdateFile struct {
	Path     string
	MovePath string
	Chunks   []Chunk
}

func (h AddFile) Target() string    { return h.Path }
func (h DeleteFile) Target() string { return h.Path }
func (h UpdateFile) Target() string { return h.Path }

// Chunk replaces OldLines with NewLines. Context, when set, is a line that
// must be found before OldLines. EOF anchors the chunk at the end of the file.
type Chunk struct {
	Context  string
	OldLines []string
	NewLines []string
	EOF      bool
}

// Patch is a parsed patch.
type Patch struct {
	Hunks []Hunk
}

// ParseError reports a malformed patch.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid patch at line %d: %s", e.Line, e.Msg)
	}
	return "invalid patch: " + e.Msg
}

// Parse parses text. Surrounding whitespace is ignored.
func Parse(text string) (*Patch, error) {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n")), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != beginMarker {
		return nil, &ParseError{Line: 1, Msg: fmt.Sprintf("the first line of the patch must be %q", beginMarker)}
	}
	last := len(lines) - 1
	if strings.TrimSpace(lines[last]) != endMarker {
		return nil, &ParseError{Line: last + 1, Msg: fmt.Sprintf("the last line of the patch must be %q", endMarker)}
	}

	p := &Patch{}
	i := 1
	for i < last {
		header := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(header, addPrefix):
			path := strings.TrimPrefix(header, addPrefix)
			i++
			var sb strings.Builder
			for i < last && strings.HasPrefix(lines[i], "+") {
				sb.WriteString(lines[i][1:])
				sb.WriteByte('\n')
				i++
			}
			p.Hunks = append(p.Hunks, AddFile{Path: path, Contents: sb.String()})
		case strings.HasPrefix(header, deletePrefix):
			p.Hunks = append(p.Hunks, DeleteFile{Path: strings.TrimPrefix(header, deletePrefix)})
			i++
		case strings.HasPrefix(header, updatePrefix):
			h := UpdateFile{Path: strings.TrimPrefix(header, updatePrefix)}
			start := i + 1
			i++
			if i < last && strings.HasPrefix(strings.TrimSpace(lines[i]), movePrefix) {
				h.MovePath = strings.TrimPrefix(strings.TrimSpace(lines[i]), movePrefix)
				i++
			}
			var err error
			h.Chunks, i, err = parseChunks(lines, i, last)
			if err != nil {
				return nil, err
			}
			if len(h.Chunks) == 0 {
				return nil, &ParseError{Line: start, Msg: fmt.Sprintf("update file hunk for path %q is empty", h.Path)}
			}
			p.Hunks = append(p.Hunks, h)
		case header == "":
			i++
		default:
			return nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("%q is not a valid hunk header", header)}
		}
	}
	return p, nil
}

func parseChunks(lines []string, i, last int) ([]Chunk, int, error) {
	var (
		chunks []Chunk
		cur    *Chunk
	)
	flush := func() {
		if cur != nil && (len(cur.OldLines) > 0 || len(cur.NewLines) > 0) {
			chunks = append(chunks, *cur)
		}
		cur = nil
	}
	for i < last {
		line := lines[i]
		switch {
		case strings.TrimSpace(line) == eofMarker:
			if cur != nil {
				cur.EOF = true
			}
			flush()
			i++
			continue
		case strings.HasPrefix(line, "***"):
			flush()
			return chunks, i, nil
		case strings.HasPrefix(line, chunkPrefix):
			flush()
			cur = &Chunk{Context: strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))}
			i++
			continue
		}
		if cur == nil {
			if len(chunks) > 0 {
				return nil, i, &ParseError{Line: i + 1, Msg: "expected @@ before further changes"}
			}
			cur = &Chunk{}
		}
		switch {
		case line == "":
			cur.OldLines = append(cur.OldLines, "")
			cur.NewLines = append(cur.NewLines, "")
		case line[0] == ' ':
			cur.OldLines = append(cur.OldLines, line[1:])
			cur.NewLines = append(cur.NewLines, line[1:])
		case line[0] == '-':
			cur.OldLines = append(cur.OldLines, line[1:])
		case line[0] == '+':
			cur.NewLines = append(cur.NewLines, line[1:])
		default:
			return nil, i, &ParseError{Line: i + 1, Msg: fmt.Sprintf("unexpected line %q in update hunk", line)}
		}
		i++
	}
	flush()
	return chunks, i, nil
}
