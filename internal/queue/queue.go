// Package queue implements the durable append-only event queue between the
// hook ingestor and the bridge worker. Events are one JSON object per line;
// a cursor file records the consumed byte offset so cycles resume where
// they left off. Malformed lines are skipped, never fatal.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"spark/internal/logging"
	"spark/internal/paths"
	"spark/internal/types"
)

const lockFileName = "queue.lock"

// lockQueue takes the exclusive advisory lock shared by appenders and the
// archiver. Without it an append racing the archive rewrite could land on
// the replaced inode and vanish.
func lockQueue(root string) (*os.File, error) {
	if err := os.MkdirAll(paths.Queue(root), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(paths.Queue(root), lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open queue lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	return f, nil
}

func unlockQueue(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// Append writes one event to the queue. The write happens under the queue
// lock so it can never race an archive rewrite; O_APPEND keeps concurrent
// hook invocations interleaving at line granularity.
func Append(root string, e *types.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	lock, err := lockQueue(root)
	if err != nil {
		return err
	}
	defer unlockQueue(lock)

	f, err := os.OpenFile(paths.Events(root), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

type cursor struct {
	Offset    int64     `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reader drains new events past the committed cursor.
type Reader struct {
	root string
}

// NewReader creates a queue reader rooted at the workspace.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// offset returns the committed cursor offset, 0 when absent.
func (r *Reader) offset() int64 {
	data, err := os.ReadFile(paths.Cursor(r.root))
	if err != nil {
		return 0
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0
	}
	return c.Offset
}

// DrainNew reads up to max events past the cursor, in append order.
// Returns the events and the offset to commit once they are processed.
// A truncated/rotated queue file resets the cursor to zero.
func (r *Reader) DrainNew(max int) ([]types.Event, int64, error) {
	f, err := os.Open(paths.Events(r.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, r.offset(), nil
		}
		return nil, 0, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	off := r.offset()
	if st, err := f.Stat(); err == nil && off > st.Size() {
		logging.Queue("queue file shrank (offset %d > size %d), resetting cursor", off, st.Size())
		off = 0
	}
	if _, err := f.Seek(off, 0); err != nil {
		return nil, 0, fmt.Errorf("seek queue: %w", err)
	}

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	next := off
	for scanner.Scan() {
		raw := scanner.Bytes()
		next += int64(len(raw)) + 1
		var e types.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			logging.QueueDebug("skipping malformed queue line at offset %d: %v", next, err)
			continue
		}
		events = append(events, e)
		if max > 0 && len(events) >= max {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return events, next, fmt.Errorf("scan queue: %w", err)
	}
	return events, next, nil
}

// Commit persists the consumed offset.
func (r *Reader) Commit(offset int64) error {
	c := cursor{Offset: offset, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tmp := paths.Cursor(r.root) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return os.Rename(tmp, paths.Cursor(r.root))
}

// Depth returns the unconsumed byte count, the production-gate proxy for
// queue backlog.
func (r *Reader) Depth() int64 {
	st, err := os.Stat(paths.Events(r.root))
	if err != nil {
		return 0
	}
	d := st.Size() - r.offset()
	if d < 0 {
		return st.Size()
	}
	return d
}

// Archive moves fully-consumed events older than maxAge into the archive
// directory and truncates the live queue to the unconsumed tail. Called
// from the bridge cycle, never concurrently with a drain. Holds the queue
// lock for the whole scan-and-rewrite so hook appends from other processes
// always land on the live file.
func Archive(root string, maxAge time.Duration) error {
	lock, err := lockQueue(root)
	if err != nil {
		return err
	}
	defer unlockQueue(lock)

	r := NewReader(root)
	eventsPath := paths.Events(root)
	f, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	off := r.offset()
	if off == 0 {
		return nil // Nothing consumed yet.
	}

	cutoff := time.Now().Add(-maxAge)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var archived, kept []byte
	var pos int64
	for scanner.Scan() {
		raw := scanner.Bytes()
		lineEnd := pos + int64(len(raw)) + 1
		var e types.Event
		old := false
		if err := json.Unmarshal(raw, &e); err == nil {
			old = e.Timestamp.Before(cutoff)
		}
		if lineEnd <= off && old {
			archived = append(archived, raw...)
			archived = append(archived, '\n')
		} else {
			kept = append(kept, raw...)
			kept = append(kept, '\n')
		}
		pos = lineEnd
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(archived) == 0 {
		return nil
	}

	archivePath := filepath.Join(paths.Queue(root), paths.ArchiveDir,
		fmt.Sprintf("events_%s.jsonl", time.Now().UTC().Format("20060102")))
	af, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := af.Write(archived); err != nil {
		af.Close()
		return err
	}
	af.Close()

	tmp := eventsPath + ".tmp"
	if err := os.WriteFile(tmp, kept, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, eventsPath); err != nil {
		return err
	}
	// Archived lines all sat before the cursor; shift it back by their size.
	if err := r.Commit(off - int64(len(archived))); err != nil {
		logging.QueueDebug("cursor rewrite after archive failed: %v", err)
	}
	logging.Queue("archived %d bytes of consumed events to %s", len(archived), archivePath)
	return nil
}
