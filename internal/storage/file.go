package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "resticd/pkg/logx"
)

// fileStore keeps run history in <prefix>.runs.jsonl (append-only JSON
// Lines). The newest Keep runs are also held in memory; once the journal
// grows past twice that, it is rewritten to hold only them.
type fileStore struct {
	log  logx.Logger
	keep int

	mu sync.Mutex

	path    string
	journal *os.File
	lines   int

	recent []RunRecord // oldest first, at most keep
	last   map[string]RunRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:  log,
		keep: cfg.Keep,
		path: filepath.Join(dir, base) + ".runs.jsonl",
		last: map[string]RunRecord{},
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay incomplete", logx.String("path", s.path), logx.Err(err))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		// a torn final line after a crash is skipped
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.TaskID == "" {
			continue
		}
		s.lines++
		s.remember(r)
	}
	return sc.Err()
}

func (s *fileStore) remember(r RunRecord) {
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.keep; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	s.last[r.TaskID] = r
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if strings.TrimSpace(r.TaskID) == "" {
		return errors.New("run record without task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.remember(r)
	if s.lines > 2*s.keep {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	n := len(s.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) LastRuns(ctx context.Context) (map[string]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string]RunRecord, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out, nil
}

// compactLocked rewrites the journal with the in-memory recent runs plus the
// newest run of any task that fell out of that window.
func (s *fileStore) compactLocked() error {
	keepSet := make(map[string]bool, len(s.recent))
	for _, r := range s.recent {
		keepSet[r.RunID+"\x00"+r.TaskID] = true
	}
	rows := make([]RunRecord, 0, len(s.recent)+len(s.last))
	for _, r := range s.last {
		if !keepSet[r.RunID+"\x00"+r.TaskID] {
			rows = append(rows, r)
		}
	}
	rows = append(rows, s.recent...)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	_ = s.journal.Close()
	s.journal = nf
	s.lines = len(rows)
	return nil
}
