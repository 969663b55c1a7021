package ledger

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"limit-trading/internal/core"
)

// Ledger is the durable record of every order the bot has submitted or
// intends to submit, keyed by idempotency token. The full entry set is
// rewritten atomically on each mutation; a crash leaves either the old or the
// new file, never a torn one.
type Ledger struct {
	mu      sync.Mutex
	root    string
	entries map[string]core.LedgerEntry
	order   []string
}

type ledgerFile struct {
	Entries   []core.LedgerEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func Open(root string) (*Ledger, error) {
	if root == "" {
		return nil, errors.New("ledger dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	l := &Ledger{
		root:    root,
		entries: make(map[string]core.LedgerEntry),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, entry := range file.Entries {
		if entry.Token == "" {
			continue
		}
		if _, ok := l.entries[entry.Token]; ok {
			continue
		}
		l.entries[entry.Token] = entry
		l.order = append(l.order, entry.Token)
	}
	return nil
}

// Upsert merges the given entry into the ledger under its token and persists.
// An existing token is updated in place, never duplicated; this is what makes
// resubmission after a crash safe.
func (l *Ledger) Upsert(entry core.LedgerEntry) error {
	if entry.Token == "" {
		return errors.New("entry token required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.entries[entry.Token]
	if !ok {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		l.entries[entry.Token] = entry
		l.order = append(l.order, entry.Token)
		return l.persistLocked()
	}

	merged := existing
	merged.State = entry.State
	merged.SubmitAttempts = entry.SubmitAttempts
	merged.PollFailures = entry.PollFailures
	merged.Retryable = entry.Retryable
	merged.LastError = entry.LastError
	if entry.ExchangeOrderID != "" {
		merged.ExchangeOrderID = entry.ExchangeOrderID
	}
	if !entry.LastCheckedAt.IsZero() {
		merged.LastCheckedAt = entry.LastCheckedAt
	}
	l.entries[entry.Token] = merged
	return l.persistLocked()
}

func (l *Ledger) Get(token string) (core.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[token]
	return entry, ok
}

// ListByState returns entries in the given states, in insertion order, so
// repeated runs process entries deterministically.
func (l *Ledger) ListByState(states ...core.EntryState) []core.LedgerEntry {
	want := make(map[core.EntryState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.LedgerEntry, 0)
	for _, token := range l.order {
		entry, ok := l.entries[token]
		if !ok {
			continue
		}
		if _, match := want[entry.State]; match {
			out = append(out, entry)
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) path() string {
	return filepath.Join(l.root, "ledger.json")
}

func (l *Ledger) persistLocked() error {
	file := ledgerFile{
		Entries:   make([]core.LedgerEntry, 0, len(l.order)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, token := range l.order {
		if entry, ok := l.entries[token]; ok {
			file.Entries = append(file.Entries, entry)
		}
	}
	return writeJSONAtomic(l.path(), file)
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	// Best-effort directory fsync to improve rename durability across crashes.
	d, err := os.Open(dir)
	if err != nil {
		log.Printf(
			"level=WARN event=ledger_dir_fsync_skipped reason=%q dir=%q target=%q",
			err.Error(),
			dir,
			path,
		)
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf(
			"level=WARN event=ledger_dir_fsync_failed reason=%q dir=%q target=%q",
			err.Error(),
			dir,
			path,
		)
		return nil
	}
	return nil
}
