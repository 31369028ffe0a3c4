package mutation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// Journal is the local append-only forensic copy of mutation records. Every
// record is journaled before the corresponding database effect, so a crash
// mid-DDL still leaves evidence of intent on disk.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *msgpack.Encoder
}

// journalRecord is the on-disk frame. msgpack keeps frames compact and
// self-delimiting.
type journalRecord struct {
	ID        int64          `msgpack:"id"`
	Timestamp int64          `msgpack:"ts"` // unix nanos
	Tenant    string         `msgpack:"tenant"`
	Action    string         `msgpack:"action"`
	Table     string         `msgpack:"table"`
	Index     string         `msgpack:"index"`
	Rationale string         `msgpack:"rationale"`
	Details   map[string]any `msgpack:"details"`
	PrevID    int64          `msgpack:"prev_id"`
}

// OpenJournal opens (or creates) the journal file under dataDir.
func OpenJournal(dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, "mutation-journal.msgpack")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mutation journal: %w", err)
	}
	return &Journal{
		path: path,
		file: file,
		enc:  msgpack.NewEncoder(file),
	}, nil
}

// Append writes one record and syncs it to stable storage.
func (j *Journal) Append(m domain.Mutation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := journalRecord{
		ID:        m.ID,
		Timestamp: m.Timestamp.UnixNano(),
		Tenant:    string(m.Tenant),
		Action:    string(m.Action),
		Table:     m.Table,
		Index:     m.Index,
		Rationale: m.Rationale,
		Details:   m.Details,
		PrevID:    m.PrevID,
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Path returns the journal file path (used by the archive task).
func (j *Journal) Path() string {
	return j.path
}

// Rotate renames the current journal aside and starts a fresh file. Returns
// the rotated path, or "" when the journal was empty.
func (j *Journal) Rotate(suffix string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	info, err := j.file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat journal: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close journal for rotation: %w", err)
	}
	rotated := j.path + "." + suffix
	if err := os.Rename(j.path, rotated); err != nil {
		return "", fmt.Errorf("failed to rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.enc = msgpack.NewEncoder(file)
	return rotated, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
