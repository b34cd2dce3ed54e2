// Package coordinator implements the session coordinator (spec §4.2/§4.3):
// the single admitted writer for a session's sequenced-command history, the
// join handshake every TCP client performs before it sees live traffic, and
// the history-paging and reset control paths layered on top of the raw
// length-prefixed wire protocol. It is grounded on the teacher's
// Broker/Client pair in go-broker/main.go — one accept loop, one reader
// goroutine and one writer goroutine per connection, and a single mutex
// guarding the only state that must never race: seq assignment.
package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/worldbus/worldbus/internal/broadcast"
	"github.com/worldbus/worldbus/internal/checkpoint"
	"github.com/worldbus/worldbus/internal/config"
	"github.com/worldbus/worldbus/internal/frame"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/networking"
	"github.com/worldbus/worldbus/internal/roster"
	"github.com/worldbus/worldbus/internal/sessionlog"
	"github.com/worldbus/worldbus/internal/wire"
)

// historyFileName, initialWorldFileName, and the engine_snapshot directory
// layout are fixed by spec §6's per-session filesystem layout; Config has no
// dedicated fields for them because they are conventions, not tunables.
const (
	historyFileName      = "history.json"
	initialWorldFileName = "initial_world.json"
	snapshotZipDir       = "engine_snapshot"
	snapshotZipFileName  = "client_snapshot.zip"
)

var (
	// ErrClosed is returned by Submit and Reset once the coordinator has
	// begun shutting down.
	ErrClosed = errors.New("coordinator: closed")
	// ErrSequenceReceivedFromClient flags a client sending a sequenced
	// command, which is a coordinator-to-client message only.
	ErrSequenceReceivedFromClient = errors.New("coordinator: client sent a sequenced command")
)

// Option customises a Coordinator at construction time, mirroring the
// teacher's functional-options BrokerOption.
type Option func(*Coordinator)

// WithBandwidthRegulator overrides the default per-client throughput budget.
func WithBandwidthRegulator(regulator *networking.BandwidthRegulator) Option {
	return func(c *Coordinator) {
		if regulator != nil {
			c.bandwidth = regulator
		}
	}
}

// WithClientMetrics overrides the default delivery-counter registry.
func WithClientMetrics(metrics *networking.ClientMetrics) Option {
	return func(c *Coordinator) {
		if metrics != nil {
			c.clientStats = metrics
		}
	}
}

// WithRoster overrides the default participant roster.
func WithRoster(r *roster.Roster) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.roster = r
		}
	}
}

// WithClock overrides the wall-clock source used for SequencedCommand
// timestamps and Uptime.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// clientHandle is the coordinator's per-connection bookkeeping: one TCP
// socket, its broadcast subscription, and an out-of-band control channel
// used for history pages and reset frames so they never compete with the
// subscription channel's backpressure.
type clientHandle struct {
	id       string
	username atomic.Value // string
	conn     net.Conn
	sub      *broadcast.Subscription
	control  chan any
	done     chan struct{}
	closeErr error
}

func (h *clientHandle) Username() string {
	if v, ok := h.username.Load().(string); ok {
		return v
	}
	return ""
}

// Coordinator is the admitted writer for one session's sequenced history.
// admissionMu serialises seq assignment, durable append, and fan-out
// (spec §4.3's critical section); mu only guards the client registry, which
// changes far more often (every connect/disconnect) than it needs to block
// admission.
type Coordinator struct {
	admissionMu sync.Mutex

	mu      sync.RWMutex
	clients map[string]*clientHandle

	sessionDir      string
	sessionID       string
	checkpointDir   string
	historyPageSize int

	log       *sessionlog.Log
	stream    *broadcast.Stream
	roster    *roster.Roster
	bandwidth *networking.BandwidthRegulator
	clientStats *networking.ClientMetrics
	logger    *logging.Logger
	now       func() time.Time

	listener   net.Listener
	listening  chan struct{}
	listenOnce sync.Once
	startedAt  time.Time
	startupErr error

	broadcasts int64 // atomic, cumulative Submit calls that succeeded

	closing chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Coordinator from cfg, opening (or recovering) the session
// log at <session-dir>/history.json.
func New(cfg *config.CoordinatorConfig, logger *logging.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("coordinator: nil config")
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(cfg.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: session dir: %w", err)
	}

	log, err := sessionlog.Open(filepath.Join(cfg.SessionDir, historyFileName))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open session log: %w", err)
	}

	sessionID := filepath.Base(cfg.SessionDir)
	sessionRoster, err := roster.New(roster.WithSessionID(sessionID))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("coordinator: new roster: %w", err)
	}

	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = config.DefaultHistoryPageSize
	}

	checkpointDir := cfg.CheckpointDir
	if checkpointDir == "" {
		checkpointDir = "checkpoints"
	}
	if !filepath.IsAbs(checkpointDir) {
		checkpointDir = filepath.Join(cfg.SessionDir, checkpointDir)
	}

	c := &Coordinator{
		clients:         make(map[string]*clientHandle),
		sessionDir:      cfg.SessionDir,
		sessionID:       sessionID,
		checkpointDir:   checkpointDir,
		historyPageSize: pageSize,
		log:             log,
		stream:          broadcast.NewStream(0),
		roster:          sessionRoster,
		bandwidth:       networking.NewBandwidthRegulator(0, nil),
		clientStats:     networking.NewClientMetrics(),
		logger:          logger,
		now:             time.Now,
		closing:         make(chan struct{}),
		listening:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Listen starts accepting connections on addr and blocks until ctx is
// cancelled or Close is called, mirroring the teacher's main accept loop.
func (c *Coordinator) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		c.startupErr = err
		return fmt.Errorf("coordinator: listen %s: %w", addr, err)
	}
	c.listener = listener
	c.startedAt = c.now()
	c.listenOnce.Do(func() { close(c.listening) })

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-c.closing:
				return nil
			default:
			}
			return fmt.Errorf("coordinator: accept: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// Addr blocks until the listener is bound and returns its address; it is
// meant for tests that start Listen in a goroutine against port 0.
func (c *Coordinator) Addr() net.Addr {
	<-c.listening
	return c.listener.Addr()
}

// Close stops accepting new connections, waits for in-flight admission to
// drain, and disconnects every client.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.listener != nil {
			c.listener.Close()
		}
		c.mu.RLock()
		for _, handle := range c.clients {
			handle.conn.Close()
		}
		c.mu.RUnlock()
	})
	c.wg.Wait()

	// Acquire admissionMu once to make certain no Submit is mid-flight
	// before reporting Close complete.
	c.admissionMu.Lock()
	c.admissionMu.Unlock()
	return c.log.Close()
}

func (c *Coordinator) handleConn(conn net.Conn) {
	id := uuid.NewString()
	handle := &clientHandle{id: id, conn: conn, control: make(chan any, 16), done: make(chan struct{})}

	sub, err := c.stream.Subscribe(id, 64)
	if err != nil {
		c.logger.Error("subscribe failed", logging.String("client_id", id), logging.Error(err))
		conn.Close()
		return
	}
	handle.sub = sub

	c.mu.Lock()
	c.clients[id] = handle
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.clients, id)
		c.mu.Unlock()
		sub.Close()
		c.bandwidth.Forget(id)
		c.clientStats.Forget(id)
		if username := handle.Username(); username != "" {
			c.roster.Leave(username)
		}
		select {
		case <-handle.done:
		default:
			close(handle.done)
		}
		conn.Close()
	}()

	if err := c.sendJoinHandshake(handle); err != nil {
		c.logger.Warn("join handshake failed", logging.String("client_id", id), logging.Error(err))
		return
	}

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		c.writeLoop(handle)
	}()

	c.readLoop(handle)
	close(handle.done)
	writerDone.Wait()
}

// sendJoinHandshake streams the participant-code snapshot (if present),
// the frozen starting world, and the current history watermark, in that
// order, per spec §4.2's join sequence.
func (c *Coordinator) sendJoinHandshake(handle *clientHandle) error {
	if name, b64, ok, err := c.readSnapshotZip(); err != nil {
		return fmt.Errorf("read snapshot zip: %w", err)
	} else if ok {
		if err := c.writeFrame(handle, wire.NewSnapshotZip(name, b64)); err != nil {
			return fmt.Errorf("send snapshot zip: %w", err)
		}
	}

	world, err := c.readInitialWorld()
	if err != nil {
		return fmt.Errorf("read initial world: %w", err)
	}
	if err := c.writeFrame(handle, wire.NewInitialWorld(world)); err != nil {
		return fmt.Errorf("send initial world: %w", err)
	}

	meta := wire.NewHistoryMeta(c.log.HighestSeq(), uint(c.historyPageSize))
	if err := c.writeFrame(handle, meta); err != nil {
		return fmt.Errorf("send history meta: %w", err)
	}
	return nil
}

func (c *Coordinator) readInitialWorld() (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(c.sessionDir, initialWorldFileName))
	if errors.Is(err, os.ErrNotExist) {
		return json.RawMessage("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (c *Coordinator) readSnapshotZip() (name, b64 string, ok bool, err error) {
	path := filepath.Join(c.sessionDir, snapshotZipDir, snapshotZipFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return snapshotZipFileName, base64.StdEncoding.EncodeToString(raw), true, nil
}

// writeFrame serialises value and writes it directly to the connection,
// bypassing bandwidth accounting: handshake frames are sent once per
// connection and are not part of the steady-state broadcast budget.
func (c *Coordinator) writeFrame(handle *clientHandle, value any) error {
	buf, err := frame.Encode(value)
	if err != nil {
		return err
	}
	_, err = handle.conn.Write(buf)
	return err
}

// writeLoop drains both the broadcast subscription (live sequenced
// commands) and the control channel (history pages, reset), applying the
// bandwidth regulator and recording delivery metrics on every frame.
func (c *Coordinator) writeLoop(handle *clientHandle) {
	for {
		select {
		case <-handle.done:
			return
		case record, ok := <-handle.sub.Events():
			if !ok {
				return
			}
			c.deliver(handle, record)
		case msg, ok := <-handle.control:
			if !ok {
				return
			}
			c.send(handle, msg)
		}
	}
}

func (c *Coordinator) deliver(handle *clientHandle, record wire.SequencedCommand) {
	buf, err := frame.Encode(record)
	if err != nil {
		c.logger.Error("encode sequenced command", logging.Error(err))
		return
	}
	if !c.bandwidth.Allow(handle.id, len(buf)) {
		c.clientStats.RecordDropped(handle.id)
		handle.conn.Close()
		return
	}
	const writeTimeout = 5 * time.Second
	_ = handle.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := handle.conn.Write(buf); err != nil {
		c.clientStats.RecordDropped(handle.id)
		handle.conn.Close()
		return
	}
	_ = handle.conn.SetWriteDeadline(time.Time{})
	c.clientStats.RecordSent(handle.id, len(buf))
	if err := handle.sub.Ack(record.Seq); err != nil {
		c.logger.Warn("ack failed", logging.String("client_id", handle.id), logging.Error(err))
	}
}

func (c *Coordinator) send(handle *clientHandle, msg any) {
	buf, err := frame.Encode(msg)
	if err != nil {
		c.logger.Error("encode control message", logging.Error(err))
		return
	}
	if _, err := handle.conn.Write(buf); err != nil {
		c.clientStats.RecordDropped(handle.id)
		return
	}
	c.clientStats.RecordSent(handle.id, len(buf))
}

// readLoop decodes frames off the wire and dispatches them by discriminator.
// A frame with neither a type nor a seq has no other valid shape than a bare
// Command (spec §6: "a frame missing both type and seq is dropped" applies
// to the sniff step, not to command submission, since a submitted Command
// carries neither field by design).
func (c *Coordinator) readLoop(handle *clientHandle) {
	decoder := frame.NewDecoder(0)
	buf := make([]byte, 64*1024)
	for {
		n, err := handle.conn.Read(buf)
		if n > 0 {
			values, skipped := decoder.Feed(buf[:n])
			if skipped > 0 {
				c.logger.Warn("dropped malformed frames", logging.String("client_id", handle.id), logging.Int("count", skipped))
			}
			for _, raw := range values {
				c.dispatch(handle, raw)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Coordinator) dispatch(handle *clientHandle, raw json.RawMessage) {
	msgType, isSequenced, ok := wire.Sniff(raw)
	switch {
	case ok && msgType == wire.TypeHistoryRequest:
		c.handleHistoryRequest(handle, raw)
	case ok && isSequenced:
		c.logger.Warn("client sent a sequenced command, ignoring", logging.String("client_id", handle.id), logging.Error(ErrSequenceReceivedFromClient))
	case ok:
		// Any other discriminated type (snapshot_zip, initial_world,
		// history_meta, history_page, reset) is coordinator-to-client only;
		// spec §6 says an unrecognised type is ignored, and so is a
		// recognised one arriving from the wrong direction.
	default:
		var cmd wire.Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Username == "" {
			return
		}
		handle.username.Store(cmd.Username)
		if _, err := c.Submit(context.Background(), cmd); err != nil {
			c.logger.Warn("submit rejected", logging.String("client_id", handle.id), logging.Error(err))
		}
	}
}

func (c *Coordinator) handleHistoryRequest(handle *clientHandle, raw json.RawMessage) {
	var req wire.HistoryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.logger.Warn("malformed history_request", logging.String("client_id", handle.id), logging.Error(err))
		return
	}
	records, err := c.log.ReadFrom(req.From)
	if err != nil {
		c.logger.Error("history read failed", logging.String("client_id", handle.id), logging.Error(err))
		return
	}
	if len(records) > c.historyPageSize {
		records = records[:c.historyPageSize]
	}
	select {
	case handle.control <- wire.NewHistoryPage(records):
	case <-handle.done:
	}
}

// Submit runs the admission critical section (spec §4.3): assign the next
// seq, durably append, then fan out best-effort. This is the single point
// every command (raw TCP, observerrpc.SubmitCommands) funnels through.
func (c *Coordinator) Submit(ctx context.Context, cmd wire.Command) (uint64, error) {
	select {
	case <-c.closing:
		return 0, ErrClosed
	default:
	}
	if cmd.Username == "" {
		return 0, errors.New("coordinator: command missing username")
	}

	c.admissionMu.Lock()
	defer c.admissionMu.Unlock()

	seq := c.log.HighestSeq() + 1
	record := wire.SequencedCommand{
		Seq:       seq,
		Timestamp: float64(c.now().UnixNano()) / 1e9,
		Command:   cmd,
	}
	if err := c.log.Append(record); err != nil {
		return 0, fmt.Errorf("coordinator: append: %w", err)
	}
	c.stream.Publish(record)
	atomic.AddInt64(&c.broadcasts, 1)

	if _, err := c.roster.Join(cmd.Username); err != nil {
		c.logger.Warn("roster join failed", logging.String("username", cmd.Username), logging.Error(err))
	}
	return seq, nil
}

// Reset backs up history.json/initial_world.json to checkpointDir, then
// truncates the session log and broadcast stream and pushes a Reset control
// message directly to every connected client, bypassing the normal
// sequenced-command broadcast path entirely (spec §8 S6: reset is
// coordinator-initiated, never a client-submitted wire message).
func (c *Coordinator) Reset(ctx context.Context) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	c.admissionMu.Lock()
	defer c.admissionMu.Unlock()

	if _, err := c.checkpointLocked(); err != nil {
		return fmt.Errorf("coordinator: pre-reset checkpoint: %w", err)
	}

	if err := c.log.Truncate(); err != nil {
		return fmt.Errorf("coordinator: truncate: %w", err)
	}
	c.stream.Reset()

	world, err := c.readInitialWorld()
	if err != nil {
		return fmt.Errorf("coordinator: read initial world: %w", err)
	}
	reset := wire.NewReset(world)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handle := range c.clients {
		select {
		case handle.control <- reset:
		case <-handle.done:
		default:
			// A full control channel means the client is already gone or
			// badly lagging; that client does not receive this reset frame.
		}
	}
	return nil
}

// Checkpoint writes a compressed, timestamped backup of history.json and
// initial_world.json to checkpointDir. It never prunes or rewrites the live
// files (spec §11/§12: a restorable copy, not log compaction).
func (c *Coordinator) Checkpoint() (checkpoint.Header, error) {
	c.admissionMu.Lock()
	defer c.admissionMu.Unlock()
	return c.checkpointLocked()
}

// checkpointLocked is Checkpoint's body, callable from Reset while
// admissionMu is already held.
func (c *Coordinator) checkpointLocked() (checkpoint.Header, error) {
	sources := map[string]string{
		"history":       filepath.Join(c.sessionDir, historyFileName),
		"initial_world": filepath.Join(c.sessionDir, initialWorldFileName),
	}
	return checkpoint.WriteCoordinatorCheckpoint(c.checkpointDir, c.sessionID, sources, c.now)
}

// RunCheckpointLoop takes a checkpoint every interval until ctx is
// cancelled or the coordinator closes, logging failures rather than
// stopping the coordinator over one bad checkpoint attempt.
func (c *Coordinator) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			return
		case <-ticker.C:
			if _, err := c.Checkpoint(); err != nil {
				c.logger.Error("periodic checkpoint failed", logging.Error(err))
			}
		}
	}
}

// SnapshotClientCounts implements httpapi.ReadinessProvider: clients is the
// total connection count, pending is how many have not yet submitted a
// command (and therefore have no roster entry).
func (c *Coordinator) SnapshotClientCounts() (clients, pending int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handle := range c.clients {
		clients++
		if handle.Username() == "" {
			pending++
		}
	}
	return clients, pending
}

// StartupError implements httpapi.ReadinessProvider.
func (c *Coordinator) StartupError() error { return c.startupErr }

// Uptime implements httpapi.ReadinessProvider.
func (c *Coordinator) Uptime() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.startedAt)
}

// Stats implements httpapi.StatsFunc's shape.
func (c *Coordinator) Stats() (broadcasts int, highestSeq uint64) {
	return int(atomic.LoadInt64(&c.broadcasts)), c.log.HighestSeq()
}

// Roster exposes the session roster for httpapi.RosterProvider wiring.
func (c *Coordinator) Roster() *roster.Roster { return c.roster }

// Stream exposes the broadcast stream for observerrpc.BroadcastSource and
// httpapi.WatchSubscriber wiring.
func (c *Coordinator) Stream() *broadcast.Stream { return c.stream }

// BandwidthRegulator exposes the per-client throughput budget for httpapi wiring.
func (c *Coordinator) BandwidthRegulator() *networking.BandwidthRegulator { return c.bandwidth }

// ClientMetrics exposes the per-client delivery counters for httpapi wiring.
func (c *Coordinator) ClientMetrics() *networking.ClientMetrics { return c.clientStats }
