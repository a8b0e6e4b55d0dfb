// Package audit keeps a tamper-evident record of what the guard did to a
// site: every check it skipped or ran, every rollback and every notice sent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/updateguard/internal/logging"
)

var log = logging.L("audit")

// FileName is the audit log's name inside the data directory.
const FileName = "audit.jsonl"

const genesisHash = "genesis"

// Event types for audit logging.
const (
	EventInterceptSkipped  = "intercept_skipped"
	EventProbeInconclusive = "probe_inconclusive"
	EventBrokenDetected    = "broken_detected"
	EventRollbackCompleted = "rollback_completed"
	EventRollbackFailed    = "rollback_failed"
	EventNotifySent        = "notify_sent"
	EventNotifyFailed      = "notify_failed"
	EventManualRestore     = "manual_restore"
	EventLogRotated        = "log_rotated"
)

// criticalEvents change files on disk and are fsynced after writing.
var criticalEvents = map[string]bool{
	EventRollbackCompleted: true,
	EventRollbackFailed:    true,
	EventManualRestore:     true,
}

// ErrChainBroken is returned by Verify when an entry does not link to the
// one before it or its hash does not match its contents.
var ErrChainBroken = errors.New("audit hash chain broken")

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Plugin    string         `json:"plugin,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes JSONL audit records linked by a SHA-256 hash chain.
// On rotation a sentinel entry (EventLogRotated) opens the new file, its
// prevHash pointing at the last entry of the old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger opens {dir}/audit.jsonl for appending. The chain continues from
// the last entry already in the file.
func NewLogger(dir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dir, FileName),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}

	last, err := lastHash(l.filePath)
	if err != nil {
		log.Warn("could not resume audit hash chain, starting a new one", "path", l.filePath, "error", err)
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debug("audit logger opened", "path", l.filePath)
	return l, nil
}

// Path returns the file the logger currently writes to.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes a single audit entry. The chain only advances after a
// successful write, so a failed write leaves the next entry linked to the
// same prevHash. Safe to call on a nil receiver.
func (l *Logger) Log(eventType, runID, plugin string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Plugin:    plugin,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	data, err := sealEntry(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain on.
		entry.PrevHash = l.prevHash
		if data, err = sealEntry(&entry); err != nil {
			log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the audit log file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Verify re-computes every hash in the file at path and checks each entry
// links to its predecessor. It returns the number of entries checked.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev string
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		want, err := computeHash(e)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if e.EntryHash != want {
			return n, fmt.Errorf("line %d: entry hash mismatch: %w", n+1, ErrChainBroken)
		}
		// The first entry links to genesis or, after rotation, to the previous file.
		if n > 0 && e.PrevHash != prev {
			return n, fmt.Errorf("line %d: prevHash does not match previous entry: %w", n+1, ErrChainBroken)
		}
		prev = e.EntryHash
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", path, err)
	}
	return n, nil
}

func sealEntry(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations
// hash the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.Plugin, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lastHash returns the entryHash of the final record in path, or "" when
// the file is missing or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			last = append(last[:0], scanner.Bytes()...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == nil {
		return "", nil
	}

	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return "", fmt.Errorf("decode last audit entry: %w", err)
	}
	return e.EntryHash, nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	// Shift existing backups: .3 is dropped, .2 -> .3, .1 -> .2
	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit log rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit log rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit log rotation: failed to rename current log", "error", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details: map[string]any{
			"previousFile": l.backupName(1),
		},
	}
	data, err := sealEntry(&sentinel)
	if err != nil {
		log.Error("rotation sentinel encode failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash

	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
