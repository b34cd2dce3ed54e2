// Package clientlink implements the participant side of the wire protocol
// (spec §4.2 client link, C4): the join handshake, paged catch-up with
// seq-dedup and gap-buffering, and the local append-only mirror of the
// session log that the sequencer (C5) later reads. Grounded on the
// teacher's client-side reader/writer goroutine pair in go-broker/main.go,
// adapted from a single websocket connection fanning into one UI to a
// single TCP connection fanning into one local log file.
package clientlink

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/worldbus/worldbus/internal/checkpoint"
	"github.com/worldbus/worldbus/internal/frame"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/sessionlog"
	"github.com/worldbus/worldbus/internal/wire"
)

const (
	dataDirName       = "data"
	scriptsDirName    = "scripts"
	worldFileName     = "world.json"
	commandsLogName   = "commands.log"
	checkpointDirName = "checkpoints"
)

// ErrNotConnected is returned by Send before Connect has completed.
var ErrNotConnected = errors.New("clientlink: not connected")

// ResetHandler is invoked whenever the coordinator broadcasts a reset; the
// caller typically restarts its sequencer and re-sends its initial command.
type ResetHandler func(world json.RawMessage)

// Client is the participant-host value object owning the socket, the local
// mirror of the session log, and catch-up state. One Client exists per
// participant process (spec §9: "a Client value owning the socket, decoder,
// log handle, cursor path, and subprocess handle" — the subprocess handle
// belongs to the sequencer, not here).
type Client struct {
	dir           string
	username      string
	checkpointDir string
	logger        *logging.Logger

	conn    net.Conn
	decoder *frame.Decoder

	log *sessionlog.Log

	mu           sync.Mutex
	pending      map[uint64]wire.SequencedCommand
	pageSize     uint
	highestKnown uint64
	advance      chan struct{}

	onReset ResetHandler

	readErr   error
	readOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Client rooted at dir (spec §6's <client_dir> layout),
// opening or recovering data/commands.log.
func New(dir, username string, logger *logging.Logger, onReset ResetHandler) (*Client, error) {
	if logger == nil {
		logger = logging.L()
	}
	dataDir := filepath.Join(dir, dataDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("clientlink: data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, scriptsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("clientlink: scripts dir: %w", err)
	}
	log, err := sessionlog.Open(filepath.Join(dataDir, commandsLogName))
	if err != nil {
		return nil, fmt.Errorf("clientlink: open commands.log: %w", err)
	}
	return &Client{
		dir:           dir,
		username:      username,
		checkpointDir: filepath.Join(dir, checkpointDirName),
		logger:        logger,
		log:           log,
		pending:       make(map[uint64]wire.SequencedCommand),
		advance:       make(chan struct{}, 1),
		onReset:       onReset,
		done:          make(chan struct{}),
	}, nil
}

// Connect dials addr, performs the join handshake, and starts the
// background read loop. It returns once the handshake (snapshot_zip,
// initial_world, history_meta) has been fully processed; the caller should
// follow with CatchUp to pull through highest_seq.
func (c *Client) Connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("clientlink: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.decoder = frame.NewDecoder(0)

	if err := c.handshake(); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop()
	return nil
}

// handshake blocks on the connection synchronously, since nothing else is
// reading it yet: snapshot_zip (optional) -> initial_world -> history_meta.
func (c *Client) handshake() error {
	raw, err := c.readOneFrame()
	if err != nil {
		return fmt.Errorf("clientlink: handshake: %w", err)
	}
	msgType, _, ok := wire.Sniff(raw)
	if ok && msgType == wire.TypeSnapshotZip {
		var snap wire.SnapshotZip
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("clientlink: decode snapshot_zip: %w", err)
		}
		if err := c.unpackSnapshot(snap); err != nil {
			return fmt.Errorf("clientlink: unpack snapshot_zip: %w", err)
		}
		raw, err = c.readOneFrame()
		if err != nil {
			return fmt.Errorf("clientlink: handshake: %w", err)
		}
		msgType, _, ok = wire.Sniff(raw)
	}

	if !ok || msgType != wire.TypeInitialWorld {
		return fmt.Errorf("clientlink: expected initial_world, got type %q", msgType)
	}
	var world wire.InitialWorld
	if err := json.Unmarshal(raw, &world); err != nil {
		return fmt.Errorf("clientlink: decode initial_world: %w", err)
	}
	if err := c.seedWorld(world.World); err != nil {
		return fmt.Errorf("clientlink: seed world: %w", err)
	}

	raw, err = c.readOneFrame()
	if err != nil {
		return fmt.Errorf("clientlink: handshake: %w", err)
	}
	msgType, _, ok = wire.Sniff(raw)
	if !ok || msgType != wire.TypeHistoryMeta {
		return fmt.Errorf("clientlink: expected history_meta, got type %q", msgType)
	}
	var meta wire.HistoryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("clientlink: decode history_meta: %w", err)
	}
	c.mu.Lock()
	c.pageSize = meta.PageSize
	c.highestKnown = meta.HighestSeq
	c.mu.Unlock()
	return nil
}

// readOneFrame reads exactly one frame before the background read loop
// exists; only used during the synchronous handshake.
func (c *Client) readOneFrame() (json.RawMessage, error) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			values, _ := c.decoder.Feed(buf[:n])
			if len(values) > 0 {
				return values[0], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) unpackSnapshot(snap wire.SnapshotZip) error {
	raw, err := base64.StdEncoding.DecodeString(snap.B64)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	root := filepath.Join(c.dir, scriptsDirName)
	for _, f := range reader.File {
		target := filepath.Join(root, filepath.Clean("/"+f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// seedWorld writes the session's frozen starting world into data/world.json
// only the first time this participant directory is used: on reconnect,
// world.json already reflects whatever the orchestrator/rule loop has since
// applied, and only they may mutate it further.
func (c *Client) seedWorld(world json.RawMessage) error {
	if c.log.HighestSeq() != 0 {
		return nil
	}
	path := filepath.Join(c.dir, dataDirName, worldFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, world, 0o644)
}

// CatchUp drives history_request/history_page until the local log has
// caught up to the highest_seq observed at handshake time (spec §4.4).
func (c *Client) CatchUp(ctx context.Context) error {
	for {
		c.mu.Lock()
		target := c.highestKnown
		from := c.log.HighestSeq() + 1
		c.mu.Unlock()

		if from > target {
			return nil
		}

		if err := c.writeFrame(wire.NewHistoryRequest(from)); err != nil {
			return fmt.Errorf("clientlink: send history_request: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.advance:
		case <-time.After(2 * time.Second):
			// No progress; re-issue the request in case it was dropped.
		case <-c.done:
			return c.readError()
		}
	}
}

// readLoop continuously decodes frames and dispatches them by type; it is
// the only writer of the local log, per spec §7's single-writer discipline.
func (c *Client) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			values, skipped := c.decoder.Feed(buf[:n])
			if skipped > 0 {
				c.logger.Warn("dropped malformed frames", logging.Int("count", skipped))
			}
			for _, raw := range values {
				c.handleFrame(raw)
			}
		}
		if err != nil {
			c.readOnce.Do(func() { c.readErr = err })
			close(c.done)
			return
		}
	}
}

func (c *Client) handleFrame(raw json.RawMessage) {
	msgType, isSequenced, ok := wire.Sniff(raw)
	switch {
	case ok && msgType == wire.TypeHistoryPage:
		var page wire.HistoryPage
		if err := json.Unmarshal(raw, &page); err != nil {
			c.logger.Warn("malformed history_page", logging.Error(err))
			return
		}
		for _, record := range page.Commands {
			c.ingest(record)
		}
	case ok && msgType == wire.TypeReset:
		var reset wire.Reset
		if err := json.Unmarshal(raw, &reset); err != nil {
			c.logger.Warn("malformed reset", logging.Error(err))
			return
		}
		c.applyReset(reset.World)
	case ok && isSequenced:
		var record wire.SequencedCommand
		if err := json.Unmarshal(raw, &record); err != nil {
			c.logger.Warn("malformed sequenced command", logging.Error(err))
			return
		}
		c.ingest(record)
	default:
		// Control types only the coordinator expects to receive, or an
		// unrecognised type: spec §6 says ignore.
	}
}

// ingest applies the dedup/gap-buffer rule from spec §4.4: drop a seq
// already appended (it overlapped a history page), buffer a seq that is
// ahead of the contiguous prefix, and flush the buffer greedily once the
// gap closes.
func (c *Client) ingest(record wire.SequencedCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.log.HighestSeq()
	if record.Seq <= last {
		return
	}
	if record.Seq > last+1 {
		c.pending[record.Seq] = record
		if record.Seq > c.highestKnown {
			c.highestKnown = record.Seq
		}
		return
	}

	if err := c.log.Append(record); err != nil {
		c.logger.Error("append commands.log failed", logging.Error(err))
		return
	}
	next := record.Seq + 1
	for {
		buffered, ok := c.pending[next]
		if !ok {
			break
		}
		delete(c.pending, next)
		if err := c.log.Append(buffered); err != nil {
			c.logger.Error("append commands.log failed", logging.Error(err))
			break
		}
		next++
	}

	select {
	case c.advance <- struct{}{}:
	default:
	}
}

// applyReset implements spec §8 S6 on the client side: back up
// commands.log to checkpointDir, truncate the local log, drop any buffered
// out-of-order records, and overwrite world.json, then hand off to the
// caller (typically: restart the sequencer and re-send the initial
// command).
func (c *Client) applyReset(world json.RawMessage) {
	c.mu.Lock()
	commandsLogPath := filepath.Join(c.dir, dataDirName, commandsLogName)
	if _, err := checkpoint.WriteParticipantCheckpoint(c.checkpointDir, c.username, commandsLogPath, time.Now); err != nil {
		c.logger.Error("reset: pre-reset checkpoint failed", logging.Error(err))
	}
	if err := c.log.Truncate(); err != nil {
		c.logger.Error("reset: truncate commands.log failed", logging.Error(err))
	}
	c.pending = make(map[uint64]wire.SequencedCommand)
	c.highestKnown = 0
	c.mu.Unlock()

	path := filepath.Join(c.dir, dataDirName, worldFileName)
	if err := os.WriteFile(path, world, 0o644); err != nil {
		c.logger.Error("reset: write world.json failed", logging.Error(err))
	}
	if c.onReset != nil {
		c.onReset(world)
	}
}

// Send submits a text command under this participant's username.
func (c *Client) Send(text string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.writeFrame(wire.Command{Username: c.username, Text: text})
}

func (c *Client) writeFrame(value any) error {
	buf, err := frame.Encode(value)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

func (c *Client) readError() error {
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

// Close disconnects and releases the local log handle.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return errors.Join(err, c.log.Close())
}

// Log exposes the local commands.log for the sequencer to read.
func (c *Client) Log() *sessionlog.Log { return c.log }

// Done is closed once the read loop exits (connection closed or errored).
func (c *Client) Done() <-chan struct{} { return c.done }
