package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"powersched/internal/fswatch"
	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

// fileStore keeps rules in a JSON document and fires in a jsonl journal.
//
// Files:
//   - <path>                (rules document, rewritten atomically)
//   - <prefix>.fires.jsonl  (append-only fire history)
//
// Top-level keys other than "schedules" are kept as-is across saves.
type fileStore struct {
	log logx.Logger

	path      string
	firesPath string

	mu        sync.Mutex
	firesFile *os.File
	closed    bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	firesPath := filepath.Join(dir, base+".fires.jsonl")
	ff, err := os.OpenFile(firesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:       log,
		path:      path,
		firesPath: firesPath,
		firesFile: ff,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.firesFile != nil {
		err := s.firesFile.Close()
		s.firesFile = nil
		return err
	}
	return nil
}

// readDoc returns the top-level keys of the rules document. A missing file
// is an empty document.
func (s *fileStore) readDoc() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (s *fileStore) LoadRules(ctx context.Context) (Loaded, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Loaded{}, ErrClosed
	}
	doc, err := s.readDoc()
	if err != nil {
		return Loaded{}, err
	}
	raw, ok := doc["schedules"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Loaded{Rules: []schedule.Schedule{}}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		return Loaded{}, fmt.Errorf("parse %s: schedules: %w", s.path, err)
	}
	return decodeRules(raws), nil
}

func (s *fileStore) SaveRules(ctx context.Context, rules []schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, err := s.readDoc()
	if err != nil {
		// Keep the unreadable document next to the new one.
		bak := s.path + ".bak"
		if rerr := os.Rename(s.path, bak); rerr != nil {
			return fmt.Errorf("rules file unreadable (%v) and could not be backed up: %w", err, rerr)
		}
		s.log.Warn("rules file unreadable; moved aside", logx.String("backup", bak), logx.Err(err))
		doc = map[string]json.RawMessage{}
	}
	var skipped []InvalidRecord
	if raw, ok := doc["schedules"]; ok {
		var raws []json.RawMessage
		if json.Unmarshal(raw, &raws) == nil {
			skipped = decodeRules(raws).Invalid
		}
	}
	records, err := withSkipped(rules, skipped)
	if err != nil {
		return err
	}
	sb, err := json.Marshal(records)
	if err != nil {
		return err
	}
	doc["schedules"] = sb

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, append(out, '\n'))
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path.
func writeFileAtomic(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) AppendFire(ctx context.Context, f FireRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.firesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.firesFile).Encode(f)
}

func (s *fileStore) RecentFires(ctx context.Context, limit int) ([]FireRecord, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.firesPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last `limit` records.
	ring := make([]FireRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r FireRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]FireRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) Watch(ctx context.Context, onChange func()) error {
	return fswatch.File(ctx, s.path, fswatch.Options{Log: s.log}, onChange)
}
