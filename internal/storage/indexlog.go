package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Index log operations.
const (
	opPut     = "put"
	opRelease = "release"
)

// indexRecord is one line of the append-only artifact metadata log.
type indexRecord struct {
	Op        string    `json:"op"`
	Tier      Tier      `json:"tier"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Retention overrides the tier retention when non-zero, in
	// nanoseconds.
	Retention time.Duration `json:"retention,omitempty"`
}

// indexLog is the append-only JSON-lines metadata log. Appends are
// serialized; replay happens once at startup before the writer opens.
type indexLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// replayIndexLog reads an existing log and calls fn for every record in
// order. A missing log file is not an error. Malformed trailing lines,
// as left by a crash mid-append, are skipped.
func replayIndexLog(path string, fn func(indexRecord)) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening index log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec indexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("scanning index log: %w", err)
	}
	return nil
}

// openIndexLog opens the log for appending, creating it if needed.
func openIndexLog(path string) (*indexLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening index log for append: %w", err)
	}
	return &indexLog{file: file, path: path}, nil
}

// rewriteIndexLog replaces the log with one put record per live artifact.
// Used at startup to compact away released and orphaned entries.
func rewriteIndexLog(path string, live []indexRecord) error {
	tmp := path + ".compact"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating compacted index log: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, rec := range live {
		line, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("encoding index record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("flushing compacted index log: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing compacted index log: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing index log: %w", err)
	}
	return nil
}

// append writes one record and flushes it to the OS.
func (l *indexLog) append(rec indexRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding index record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending index record: %w", err)
	}
	return nil
}

// close closes the underlying file.
func (l *indexLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
