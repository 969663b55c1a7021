package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Lock guards the ledger directory against a second bot instance writing the
// same file. The lock file records the owner pid so a restart after a crash
// can take over a lock whose process is gone.
type Lock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

func AcquireLock(root string, opts LockOptions) (*Lock, error) {
	if root == "" {
		return nil, errors.New("ledger dir required")
	}
	path := filepath.Join(root, ".limitbot.lock")
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if writeErr := writeLockPayload(f, opts.InstanceID, nowFn().UTC()); writeErr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, writeErr
			}
			return &Lock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("ledger lock held: %s", path)
		}
		stale, reason, staleErr := lockIsStale(path, nowFn().UTC(), opts.StaleAfter)
		if staleErr != nil {
			return nil, fmt.Errorf("ledger lock held: %s (stale check failed: %v)", path, staleErr)
		}
		if !stale {
			return nil, fmt.Errorf("ledger lock held: %s (%s)", path, reason)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	}
	return nil, fmt.Errorf("ledger lock held: %s", path)
}

func writeLockPayload(f *os.File, instanceID string, now time.Time) error {
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
	b.WriteString("started_at=" + now.UTC().Format(time.RFC3339) + "\n")
	if instanceID != "" {
		b.WriteString("instance=" + instanceID + "\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	pid, startedAt, err := parseLockPayload(data)
	if err != nil {
		return false, "", err
	}

	if pid > 0 {
		if processAlive(pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if staleAfter > 0 && !startedAt.IsZero() && now.UTC().Sub(startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	if startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	return false, "lock_not_stale", nil
}

func parseLockPayload(data []byte) (pid int, startedAt time.Time, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "pid":
			if v, convErr := strconv.Atoi(strings.TrimSpace(value)); convErr == nil && v > 0 {
				pid = v
			}
		case "started_at":
			if ts, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(value)); parseErr == nil {
				startedAt = ts.UTC()
			}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return 0, time.Time{}, scanErr
	}
	return pid, startedAt, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	// EPERM means the process exists but belongs to another user.
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied")
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
