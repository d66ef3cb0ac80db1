package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "timerd/pkg/logx"
)

// fileStore persists a memStore to disk.
//
// Files:
//   - <prefix>.timers.snapshot.json (rewritten atomically on every change)
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//
// Suitable for a single process with modest timer counts; use sqlite
// otherwise.
type fileStore struct {
	*memStore

	log          logx.Logger
	snapshotPath string
	auditFile    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".timers.snapshot.json"
	auditPath := prefix + ".audit.jsonl"

	state := newMemState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	audit, err := replayAudit(auditPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit log replay failed", logx.Err(err))
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     &memStore{state: state, audit: audit},
		log:          log,
		snapshotPath: snapPath,
		auditFile:    af,
	}
	fs.onChange = fs.writeSnapshot
	fs.onAudit = fs.writeAudit
	fs.onClose = fs.closeFiles
	return fs, nil
}

func (s *fileStore) writeSnapshot(state memState) error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) writeAudit(e AuditEntry) error {
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) closeFiles() error {
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func loadSnapshot(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st memState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Timers {
		out.Timers[k] = v
	}
	for k, v := range st.Executions {
		out.Executions[k] = v
	}
	return nil
}

func replayAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
