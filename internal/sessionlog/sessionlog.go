// Package sessionlog implements the coordinator-side and client-side
// append-only log of sequenced commands: newline-delimited JSON, one record
// per line, durable (fsync'd) before the caller is told the append
// succeeded.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/worldbus/worldbus/internal/wire"
)

// Log is an append-only, crash-recoverable sequence of wire.SequencedCommand
// records backed by a single newline-delimited JSON file. Records are
// strictly contiguous starting at 1 with no gaps; HighestSeq recovers the
// maximum seq present after a restart.
type Log struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	highestSeq uint64
}

// Open opens (creating if necessary) the log file at path and replays it to
// recover highestSeq. Existing records are validated to be a contiguous
// ascending run; a gap or duplicate is reported as an error since it would
// mean a prior crash left the log inconsistent.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", path, err)
	}

	var highest uint64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record wire.SequencedCommand
		if err := json.Unmarshal(line, &record); err != nil {
			file.Close()
			return nil, fmt.Errorf("sessionlog: %s: corrupt record: %w", path, err)
		}
		if record.Seq != highest+1 {
			file.Close()
			return nil, fmt.Errorf("sessionlog: %s: expected seq %d, found %d", path, highest+1, record.Seq)
		}
		highest = record.Seq
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("sessionlog: %s: scan: %w", path, err)
	}

	if _, err := file.Seek(0, os.SEEK_END); err != nil {
		file.Close()
		return nil, fmt.Errorf("sessionlog: %s: seek end: %w", path, err)
	}

	return &Log{path: path, file: file, highestSeq: highest}, nil
}

// Append durably writes record to the log. It returns an error if record.Seq
// is not exactly one more than the current highest seq, preserving the
// contiguous-ascending invariant. The append is fsync'd before returning, so
// callers (the coordinator's admission critical section) may broadcast only
// after Append succeeds.
func (l *Log) Append(record wire.SequencedCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record.Seq != l.highestSeq+1 {
		return fmt.Errorf("sessionlog: %s: out-of-order append: have %d, got seq %d", l.path, l.highestSeq, record.Seq)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sessionlog: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("sessionlog: %s: write: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sessionlog: %s: fsync: %w", l.path, err)
	}

	l.highestSeq = record.Seq
	return nil
}

// HighestSeq returns the highest seq durably recorded so far.
func (l *Log) HighestSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highestSeq
}

// ReadFrom returns every record with seq >= from, in ascending order.
func (l *Log) ReadFrom(from uint64) ([]wire.SequencedCommand, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, os.SEEK_SET); err != nil {
		return nil, fmt.Errorf("sessionlog: %s: seek start: %w", l.path, err)
	}
	defer l.file.Seek(0, os.SEEK_END)

	var records []wire.SequencedCommand
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record wire.SequencedCommand
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("sessionlog: %s: corrupt record: %w", l.path, err)
		}
		if record.Seq >= from {
			records = append(records, record)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessionlog: %s: scan: %w", l.path, err)
	}
	return records, nil
}

// Truncate empties the log and resets highestSeq to 0, used when a reset is
// admitted (spec §8 S6: the coordinator resets its own highest_seq).
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("sessionlog: %s: truncate: %w", l.path, err)
	}
	if _, err := l.file.Seek(0, os.SEEK_SET); err != nil {
		return fmt.Errorf("sessionlog: %s: seek start: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sessionlog: %s: fsync: %w", l.path, err)
	}
	l.highestSeq = 0
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the filesystem path backing this log.
func (l *Log) Path() string {
	return l.path
}
