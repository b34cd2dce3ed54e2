// Package sequencer implements the per-participant sequencer (spec §4.5,
// C5): a durable cursor over the local commands.log, dispatching each
// contiguous command exactly once to an external orchestrator process.
// Grounded on the teacher's `internal/simulation.Loop` for the
// ticker-driven goroutine shape (a cancellable fixed-interval wake backed
// by a context), generalized here to a dual trigger (fsnotify plus a
// fallback poll) since the teacher's loop has no filesystem dependency to
// react to.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/sessionlog"
)

const cursorFileName = "cursor.seq"

// Dispatcher spawns the external orchestrator for one command and reports
// its exit code. Any exit code is non-fatal to the sequencer (spec §4.5
// step 4); only a transport-level error (the orchestrator could not even be
// launched) is returned as err.
type Dispatcher func(ctx context.Context, dir, commandText, username string) (exitCode int, err error)

// Sequencer drives strictly-ordered dispatch over a participant directory's
// local log. Exactly one dispatch runs at a time (spec §5 "Sequencer").
type Sequencer struct {
	dir          string
	log          *sessionlog.Log
	dispatch     Dispatcher
	pollInterval time.Duration
	dispatchTO   time.Duration
	logger       *logging.Logger

	dispatching sync.Mutex
	tryLock     chan struct{} // buffered 1; holding the token = allowed to dispatch

	wakeCh chan struct{}

	mu     sync.Mutex
	cursor uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Sequencer over dir's local log. pollInterval bounds how
// long fsnotify silence is tolerated before a fallback wake; dispatchTimeout
// bounds how long a single orchestrator invocation may run (0 = no limit).
func New(dir string, log *sessionlog.Log, dispatch Dispatcher, pollInterval, dispatchTimeout time.Duration, logger *logging.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	cursor, err := readCursor(dir)
	if err != nil {
		return nil, err
	}
	s := &Sequencer{
		dir:          dir,
		log:          log,
		dispatch:     dispatch,
		pollInterval: pollInterval,
		dispatchTO:   dispatchTimeout,
		logger:       logger.With(logging.String("component", "sequencer")),
		tryLock:      make(chan struct{}, 1),
		wakeCh:       make(chan struct{}, 1),
		cursor:       cursor,
		done:         make(chan struct{}),
	}
	s.tryLock <- struct{}{}
	return s, nil
}

// Cursor returns the last durably-advanced sequence number.
func (s *Sequencer) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Notify wakes the dispatch loop; safe to call from any goroutine,
// including a log-append caller that wants to avoid waiting on fsnotify's
// own latency.
func (s *Sequencer) Notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drains the backlog once on entry, then blocks reacting to fsnotify
// events on the log file plus a periodic fallback wake, until ctx is
// canceled. A terminating Run waits for its in-flight dispatch to finish
// before returning (spec §5: "must wait for its current child... before
// exiting").
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sequencer: new watcher: %w", err)
	}
	defer watcher.Close()

	logDir := filepath.Dir(s.log.Path())
	if err := watcher.Add(logDir); err != nil {
		return fmt.Errorf("sequencer: watch %s: %w", logDir, err)
	}

	s.drain(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.dispatching.Lock()
			s.dispatching.Unlock()
			return ctx.Err()
		case <-s.wakeCh:
			s.drain(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == filepath.Clean(s.log.Path()) {
				s.drain(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", logging.Error(err))
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// drain dispatches every eligible contiguous record currently in the local
// log. A try-lock (the buffered tryLock channel) ensures coalesced triggers
// never run concurrently (spec §4.5 "Concurrency").
func (s *Sequencer) drain(ctx context.Context) {
	select {
	case <-s.tryLock:
	default:
		return
	}
	defer func() { s.tryLock <- struct{}{} }()

	s.dispatching.Lock()
	defer s.dispatching.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		next := s.Cursor() + 1
		records, err := s.log.ReadFrom(next)
		if err != nil {
			s.logger.Error("read local log", logging.Error(err))
			return
		}
		if len(records) == 0 || records[0].Seq != next {
			return
		}
		record := records[0]

		dispatchCtx := ctx
		var cancel context.CancelFunc
		if s.dispatchTO > 0 {
			dispatchCtx, cancel = context.WithTimeout(ctx, s.dispatchTO)
		}
		exitCode, err := s.dispatch(dispatchCtx, s.dir, record.Command.Text, record.Command.Username)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.logger.Error("dispatch failed to launch", logging.Error(err), logging.Int64("seq", int64(record.Seq)))
		} else if exitCode != 0 {
			s.logger.Warn("orchestrator exited non-zero", logging.Int("exit_code", exitCode), logging.Int64("seq", int64(record.Seq)))
		}

		if err := s.advanceCursor(record.Seq); err != nil {
			s.logger.Error("persist cursor", logging.Error(err), logging.Int64("seq", int64(record.Seq)))
			return
		}
	}
}

func (s *Sequencer) advanceCursor(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeCursor(s.dir, seq); err != nil {
		return err
	}
	s.cursor = seq
	return nil
}

func readCursor(dir string) (uint64, error) {
	path := filepath.Join(dir, cursorFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequencer: read cursor: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequencer: corrupt cursor file %s: %w", path, err)
	}
	return value, nil
}

// writeCursor durably persists seq via write-rename-fsync, so a crash
// between steps never leaves cursor.seq partially written (spec §4.5
// step 5).
func writeCursor(dir string, seq uint64) error {
	path := filepath.Join(dir, cursorFileName)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sequencer: create cursor tmp: %w", err)
	}
	if _, err := file.WriteString(strconv.FormatUint(seq, 10)); err != nil {
		file.Close()
		return fmt.Errorf("sequencer: write cursor tmp: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sequencer: fsync cursor tmp: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("sequencer: close cursor tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sequencer: rename cursor: %w", err)
	}
	return nil
}
