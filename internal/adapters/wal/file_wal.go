package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	logName  = "feedback.wal"
	metaName = "feedback.meta"
)

// FileWAL is the on-disk outbox for feedback items that have not yet reached
// the feedback queue. Delivered entries are tracked in a sidecar meta file
// and dropped by TruncateCommitted.
type FileWAL struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.WALEntryID
	committed ports.WALEntryID
	sizeBytes int64
}

func NewFileWAL(dir string) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &FileWAL{
		path:     filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, metaName),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWAL) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

// recover restores the id counters and cuts the log back to its last intact
// frame, dropping a tail torn by a crash mid-append.
func (w *FileWAL) recover() error {
	committed, err := readMeta(w.metaPath)
	if err != nil {
		return err
	}
	w.committed = committed

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fr := newFrameReader(f)
	var last ports.WALEntryID
	for {
		id, _, err := fr.next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTornFrame) {
			break
		}
		if err != nil {
			return fmt.Errorf("wal recover: %w", err)
		}
		last = id
	}
	if err := f.Truncate(fr.offset); err != nil {
		return err
	}

	w.sizeBytes = fr.offset
	w.nextID = max(last, w.committed)
	return nil
}

// Append flushes the item to the OS before returning, so an acknowledged
// item survives a process crash.
func (w *FileWAL) Append(item *domain.FeedbackItem) (ports.WALEntryID, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID + 1
	n, err := writeFrame(w.writer, id, body)
	if err != nil {
		return 0, err
	}
	if err := w.writer.Flush(); err != nil {
		return 0, err
	}
	w.nextID = id
	w.sizeBytes += int64(n)
	return id, nil
}

// Iterate calls fn for every entry with id >= from, in append order.
func (w *FileWAL) Iterate(from ports.WALEntryID, fn func(id ports.WALEntryID, item *domain.FeedbackItem) error) error {
	w.mu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		return err
	}
	f, err := os.Open(w.path)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	defer f.Close()

	fr := newFrameReader(f)
	for {
		id, body, err := fr.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wal iterate: %w", err)
		}
		if id < from {
			continue
		}
		var item domain.FeedbackItem
		if err := json.Unmarshal(body, &item); err != nil {
			return fmt.Errorf("corrupt WAL entry %d: %w", id, err)
		}
		if err := fn(id, &item); err != nil {
			return err
		}
	}
}

func (w *FileWAL) Commit(upto ports.WALEntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if upto <= w.committed {
		return nil
	}
	w.committed = upto
	return writeMeta(w.metaPath, w.committed)
}

// TruncateCommitted rewrites the log without the entries already delivered.
func (w *FileWAL) TruncateCommitted() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed == 0 {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	kept, err := compact(w.path, tmpPath, w.committed)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("wal compact: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}
	w.sizeBytes = kept
	return nil
}

// compact copies the frames newer than committed from src into dst.
func compact(src, dst string, committed ports.WALEntryID) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	var kept int64
	bw := bufio.NewWriter(out)
	fr := newFrameReader(in)
	for {
		id, body, err := fr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return 0, err
		}
		if id <= committed {
			continue
		}
		n, err := writeFrame(bw, id, body)
		if err != nil {
			out.Close()
			return 0, err
		}
		kept += int64(n)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return 0, err
	}
	return kept, out.Close()
}

func (w *FileWAL) Stats() ports.WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ports.WALStats{
		OldestUncommitted: w.committed + 1,
		LatestAppended:    w.nextID,
		SizeBytes:         w.sizeBytes,
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.writer.Flush(), w.file.Close())
}

func readMeta(path string) (ports.WALEntryID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal meta parse: %w", err)
	}
	return ports.WALEntryID(u), nil
}

// writeMeta replaces the meta file atomically.
func writeMeta(path string, committed ports.WALEntryID) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(committed), 10)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ ports.WAL = (*FileWAL)(nil)
