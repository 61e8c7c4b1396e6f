package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aswarm/evolution-core/evoerr"
)

// WAL appends events to daily-rotated jsonl files named
// events-YYYY-MM-DD.jsonl, one event per line. Fsync discipline is
// delegated to the OS.
type WAL struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	curDate string
	now     func() time.Time
}

// NewWAL builds a WAL rooted at dir. Files are opened lazily.
func NewWAL(dir string) *WAL {
	return &WAL{dir: dir, now: time.Now}
}

// SetNow overrides the clock, for rotation tests.
func (w *WAL) SetNow(now func() time.Time) { w.now = now }

// Append serializes the event to the current day's file. A failure to
// open the daily file carries the wal_write_failed kind; a failed line
// write is returned as a plain error so callers can treat it as
// non-fatal.
func (w *WAL) Append(event LearningEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if w.file == nil || date != w.curDate {
		if err := w.rotateLocked(date); err != nil {
			return err
		}
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("write event %s: %w", event.EventID, err)
	}
	return nil
}

// Path returns the file the WAL is currently writing, empty before the
// first append.
func (w *WAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curDate == "" {
		return ""
	}
	return filepath.Join(w.dir, "events-"+w.curDate+".jsonl")
}

// Close releases the current file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *WAL) rotateLocked(date string) error {
	if w.file != nil {
		w.file.Close() // best effort; the new day's file is what matters
		w.file = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return evoerr.Wrap(evoerr.KindWALWriteFailed, err, "create WAL dir %s", w.dir)
	}
	path := filepath.Join(w.dir, "events-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return evoerr.Wrap(evoerr.KindWALWriteFailed, err, "open WAL file %s", path)
	}
	w.file = f
	w.curDate = date
	return nil
}
