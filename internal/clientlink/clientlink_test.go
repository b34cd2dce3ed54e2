package clientlink

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/worldbus/worldbus/internal/frame"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/wire"
)

// fakeServer accepts exactly one connection and gives the test full control
// over what bytes are sent/read, mirroring the handshake+catch-up sequence
// the real coordinator drives.
type fakeServer struct {
	listener net.Listener
	conn     net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{listener: listener}
}

func (f *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	conn, err := f.listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.conn = conn
	return conn
}

func (f *fakeServer) addr() string { return f.listener.Addr().String() }

func (f *fakeServer) send(t *testing.T, value any) {
	t.Helper()
	buf, err := frame.Encode(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	client, err := New(dir, "alice", logging.NewTestLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, dir
}

func TestHandshakeSeedsWorldAndSkipsSnapshotWhenAbsent(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.listener.Close()
	client, dir := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background(), srv.addr())
	}()

	conn := srv.accept(t)
	defer conn.Close()

	srv.send(t, wire.NewInitialWorld(json.RawMessage(`{"counter":0}`)))
	srv.send(t, wire.NewHistoryMeta(0, 5))

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	worldBytes, err := os.ReadFile(filepath.Join(dir, dataDirName, worldFileName))
	if err != nil {
		t.Fatalf("read world.json: %v", err)
	}
	if string(worldBytes) != `{"counter":0}` {
		t.Fatalf("unexpected world.json: %s", worldBytes)
	}
}

func TestIngestDedupsAndFlushesGapBuffer(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.listener.Close()
	client, _ := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background(), srv.addr())
	}()
	conn := srv.accept(t)
	defer conn.Close()
	srv.send(t, wire.NewInitialWorld(json.RawMessage(`{}`)))
	srv.send(t, wire.NewHistoryMeta(0, 5))
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	mk := func(seq uint64) wire.SequencedCommand {
		return wire.SequencedCommand{Seq: seq, Command: wire.Command{Username: "alice", Text: "step"}}
	}

	// seq 2 arrives before seq 1: must be gap-buffered, not appended yet.
	client.ingest(mk(2))
	if got := client.Log().HighestSeq(); got != 0 {
		t.Fatalf("expected gap buffer to withhold seq 2, highest=%d", got)
	}

	// seq 1 arrives: both 1 and 2 should now be appended in order.
	client.ingest(mk(1))
	if got := client.Log().HighestSeq(); got != 2 {
		t.Fatalf("expected highest seq 2 after gap closed, got %d", got)
	}

	// A duplicate of seq 1 (overlap from a history page) must be dropped.
	client.ingest(mk(1))
	if got := client.Log().HighestSeq(); got != 2 {
		t.Fatalf("duplicate seq must not change highest seq, got %d", got)
	}

	records, err := client.Log().ReadFrom(1)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 1 || records[1].Seq != 2 {
		t.Fatalf("unexpected local log contents: %+v", records)
	}
}

func TestApplyResetTruncatesLogAndOverwritesWorld(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.listener.Close()

	var sawReset json.RawMessage
	dir := t.TempDir()
	client, err := New(dir, "alice", logging.NewTestLogger(), func(world json.RawMessage) {
		sawReset = world
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background(), srv.addr())
	}()
	conn := srv.accept(t)
	defer conn.Close()
	srv.send(t, wire.NewInitialWorld(json.RawMessage(`{"counter":0}`)))
	srv.send(t, wire.NewHistoryMeta(1, 5))
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	client.ingest(wire.SequencedCommand{Seq: 1, Command: wire.Command{Username: "alice", Text: "go"}})
	if client.Log().HighestSeq() != 1 {
		t.Fatalf("expected seq 1 appended before reset")
	}

	srv.send(t, wire.NewReset(json.RawMessage(`{"counter":99}`)))

	deadline := time.Now().Add(2 * time.Second)
	for client.Log().HighestSeq() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected log truncated after reset, highest=%d", client.Log().HighestSeq())
		}
		time.Sleep(5 * time.Millisecond)
	}

	worldBytes, err := os.ReadFile(filepath.Join(dir, dataDirName, worldFileName))
	if err != nil {
		t.Fatalf("read world.json: %v", err)
	}
	if string(worldBytes) != `{"counter":99}` {
		t.Fatalf("unexpected world.json after reset: %s", worldBytes)
	}
	if string(sawReset) != `{"counter":99}` {
		t.Fatalf("onReset callback did not observe new world: %s", sawReset)
	}
}
