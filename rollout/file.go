package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
)

// SessionsDir is the directory below the store root holding rollout files.
const SessionsDir = "sessions"

// maxLineBytes bounds a single JSONL record when loading.
const maxLineBytes = 64 << 20

// FileOptions configure a FileStore.
type FileOptions struct {
	Logger logging.Logger
	// Now is used to name new files.
	Now func() time.Time
}

// FileStore writes one JSONL file per session at
// <root>/sessions/YYYY/MM/DD/rollout-<timestamp>-<id>.jsonl.
type FileStore struct {
	root  string
	opts  FileOptions
	mu    sync.Mutex
	paths map[string]string
}

// NewFileStore creates a store below root. The directory is created lazily.
func NewFileStore(root string, optFns ...func(o *FileOptions)) *FileStore {
	opts := FileOptions{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &FileStore{root: root, opts: opts, paths: map[string]string{}}
}

// Append implements core.RolloutStore. The file is created on first append.
func (s *FileStore) Append(ctx context.Context, sessionID string, lines ...core.RolloutLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathLocked(sessionID, true)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open rollout: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		data, err := json.Marshal(l)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("encode rollout line: %w", err)
		}
		_, _ = w.Write(data)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write rollout: %w", err)
	}
	return f.Close()
}

// Load implements core.RolloutStore. Lines that cannot be decoded are
// skipped with a warning.
func (s *FileStore) Load(ctx context.Context, sessionID string) ([]core.RolloutLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	path, err := s.pathLocked(sessionID, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ReadFile(path, s.opts.Logger)
}

// Path returns the file of sessionID, or "" when it has none yet.
func (s *FileStore) Path(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.pathLocked(sessionID, false)
	if err != nil {
		return ""
	}
	return path
}

func (s *FileStore) pathLocked(sessionID string, create bool) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	if p, ok := s.paths[sessionID]; ok {
		return p, nil
	}
	p, err := s.find(sessionID)
	if err == nil {
		s.paths[sessionID] = p
		return p, nil
	}
	if !errors.Is(err, core.ErrRolloutNotFound) || !create {
		return "", err
	}

	now := s.opts.Now().UTC()
	dir := filepath.Join(s.root, SessionsDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create rollout dir: %w", err)
	}
	p = filepath.Join(dir, fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("2006-01-02T15-04-05"), sessionID))
	s.paths[sessionID] = p
	return p, nil
}

func (s *FileStore) find(sessionID string) (string, error) {
	suffix := "-" + sessionID + ".jsonl"
	var found string
	err := filepath.WalkDir(filepath.Join(s.root, SessionsDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "rollout-") && strings.HasSuffix(d.Name(), suffix) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", core.ErrRolloutNotFound
	}
	return found, nil
}

// ReadFile decodes a rollout file.
func ReadFile(path string, logger logging.Logger) ([]core.RolloutLine, error) {
	logger = logging.OrNoOp(logger)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrRolloutNotFound
		}
		return nil, err
	}
	defer f.Close()

	var lines []core.RolloutLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l core.RolloutLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			logger.Warn("Skipping malformed rollout line", "path", path, "line", n, "error", err.Error())
			continue
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read rollout: %w", err)
	}
	return lines, nil
}

var _ core.RolloutStore = (*FileStore)(nil)
