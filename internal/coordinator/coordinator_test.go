package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/worldbus/worldbus/internal/config"
	"github.com/worldbus/worldbus/internal/frame"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/wire"
)

func newTestCoordinator(t *testing.T, worldJSON string) (*Coordinator, func()) {
	t.Helper()
	dir := t.TempDir()
	if worldJSON != "" {
		if err := os.WriteFile(filepath.Join(dir, initialWorldFileName), []byte(worldJSON), 0o644); err != nil {
			t.Fatalf("write initial world: %v", err)
		}
	}
	cfg := &config.CoordinatorConfig{SessionDir: dir, HistoryPageSize: 10}
	c, err := New(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Listen(ctx, "127.0.0.1:0")
	}()
	// Block until the listener is bound.
	_ = c.Addr()

	return c, func() {
		cancel()
		c.Close()
		wg.Wait()
	}
}

// readFrame blocks until a complete length-prefixed frame is available on
// conn and returns its decoded payload.
func readFrame(t *testing.T, conn net.Conn) json.RawMessage {
	t.Helper()
	header := make([]byte, frame.HeaderLen)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return json.RawMessage(payload)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrame(t *testing.T, conn net.Conn, value any) {
	t.Helper()
	buf, err := frame.Encode(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestJoinHandshakeOrder(t *testing.T) {
	c, stop := newTestCoordinator(t, `{"rooms":[]}`)
	defer stop()

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var world wire.InitialWorld
	if err := json.Unmarshal(readFrame(t, conn), &world); err != nil {
		t.Fatalf("unmarshal initial_world: %v", err)
	}
	if world.Type != wire.TypeInitialWorld {
		t.Fatalf("expected initial_world first (no snapshot zip present), got %q", world.Type)
	}
	if string(world.World) != `{"rooms":[]}` {
		t.Fatalf("unexpected world payload: %s", world.World)
	}

	var meta wire.HistoryMeta
	if err := json.Unmarshal(readFrame(t, conn), &meta); err != nil {
		t.Fatalf("unmarshal history_meta: %v", err)
	}
	if meta.Type != wire.TypeHistoryMeta || meta.HighestSeq != 0 || meta.PageSize != 10 {
		t.Fatalf("unexpected history meta: %+v", meta)
	}
}

func TestSubmitAssignsContiguousSeqAndBroadcasts(t *testing.T) {
	c, stop := newTestCoordinator(t, `{}`)
	defer stop()

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readFrame(t, conn) // initial_world
	readFrame(t, conn) // history_meta

	writeFrame(t, conn, wire.Command{Username: "alice", Text: "look north"})

	var record wire.SequencedCommand
	if err := json.Unmarshal(readFrame(t, conn), &record); err != nil {
		t.Fatalf("unmarshal sequenced command: %v", err)
	}
	if record.Seq != 1 || record.Command.Username != "alice" || record.Command.Text != "look north" {
		t.Fatalf("unexpected broadcast record: %+v", record)
	}

	seq, err := c.Submit(context.Background(), wire.Command{Username: "bob", Text: "wave"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}
}

func TestHistoryRequestReturnsPage(t *testing.T) {
	c, stop := newTestCoordinator(t, `{}`)
	defer stop()

	for i := 0; i < 3; i++ {
		if _, err := c.Submit(context.Background(), wire.Command{Username: "alice", Text: "step"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readFrame(t, conn) // initial_world
	readFrame(t, conn) // history_meta

	writeFrame(t, conn, wire.NewHistoryRequest(1))

	var page wire.HistoryPage
	if err := json.Unmarshal(readFrame(t, conn), &page); err != nil {
		t.Fatalf("unmarshal history_page: %v", err)
	}
	if page.Type != wire.TypeHistoryPage || len(page.Commands) != 3 {
		t.Fatalf("unexpected history page: %+v", page)
	}
	if page.Commands[0].Seq != 1 || page.Commands[2].Seq != 3 {
		t.Fatalf("unexpected page contents: %+v", page.Commands)
	}
}

func TestResetBroadcastsOutOfBandAndTruncatesLog(t *testing.T) {
	c, stop := newTestCoordinator(t, `{"reset":true}`)
	defer stop()

	if _, err := c.Submit(context.Background(), wire.Command{Username: "alice", Text: "go"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readFrame(t, conn) // initial_world
	readFrame(t, conn) // history_meta

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	var reset wire.Reset
	if err := json.Unmarshal(readFrame(t, conn), &reset); err != nil {
		t.Fatalf("unmarshal reset: %v", err)
	}
	if reset.Type != wire.TypeReset {
		t.Fatalf("expected reset frame, got %+v", reset)
	}
	if string(reset.World) != `{"reset":true}` {
		t.Fatalf("unexpected reset world payload: %s", reset.World)
	}

	broadcasts, highestSeq := c.Stats()
	if highestSeq != 0 {
		t.Fatalf("expected highest seq reset to 0, got %d", highestSeq)
	}
	if broadcasts != 1 {
		t.Fatalf("expected cumulative broadcast count unaffected by reset, got %d", broadcasts)
	}

	seq, err := c.Submit(context.Background(), wire.Command{Username: "alice", Text: "again"})
	if err != nil {
		t.Fatalf("submit after reset: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq to restart at 1 after reset, got %d", seq)
	}
}

func TestSnapshotClientCountsTracksPendingUntilFirstCommand(t *testing.T) {
	c, stop := newTestCoordinator(t, `{}`)
	defer stop()

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // initial_world
	readFrame(t, conn) // history_meta

	deadline := time.Now().Add(2 * time.Second)
	for {
		clients, pending := c.SnapshotClientCounts()
		if clients == 1 && pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 pending client, got clients=%d pending=%d", clients, pending)
		}
		time.Sleep(5 * time.Millisecond)
	}

	writeFrame(t, conn, wire.Command{Username: "alice", Text: "hello"})
	readFrame(t, conn) // sequenced command echoed back

	deadline = time.Now().Add(2 * time.Second)
	for {
		clients, pending := c.SnapshotClientCounts()
		if clients == 1 && pending == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected pending to clear after first command, got clients=%d pending=%d", clients, pending)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
