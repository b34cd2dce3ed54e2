package checkpoint

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func TestWriteCoordinatorCheckpointCompressesSources(t *testing.T) {
	sessionDir := t.TempDir()
	historyPath := filepath.Join(sessionDir, "history.json")
	if err := os.WriteFile(historyPath, []byte(`[{"seq":1}]`), 0o644); err != nil {
		t.Fatalf("write history: %v", err)
	}

	checkpointDir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	header, err := WriteCoordinatorCheckpoint(checkpointDir, "demo", map[string]string{"history": historyPath}, clock)
	if err != nil {
		t.Fatalf("WriteCoordinatorCheckpoint: %v", err)
	}
	if header.Metadata["session_id"] != "demo" {
		t.Fatalf("unexpected metadata: %#v", header.Metadata)
	}

	folder := filepath.Join(checkpointDir, "demo-20260102T030405Z")
	compressed, err := os.ReadFile(filepath.Join(folder, "history.sz"))
	if err != nil {
		t.Fatalf("read compressed file: %v", err)
	}
	decoded, err := io.ReadAll(snappy.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		t.Fatalf("snappy stream read: %v", err)
	}
	if string(decoded) != `[{"seq":1}]` {
		t.Fatalf("unexpected decoded content: %s", decoded)
	}

	if _, err := ReadHeader(filepath.Join(folder, "header.json")); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
}

func TestWriteParticipantCheckpointCompressesLog(t *testing.T) {
	participantDir := t.TempDir()
	logPath := filepath.Join(participantDir, "commands.log")
	if err := os.WriteFile(logPath, []byte("{\"seq\":1}\n"), 0o644); err != nil {
		t.Fatalf("write commands.log: %v", err)
	}

	checkpointDir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	header, err := WriteParticipantCheckpoint(checkpointDir, "alice", logPath, clock)
	if err != nil {
		t.Fatalf("WriteParticipantCheckpoint: %v", err)
	}
	if header.Metadata["username"] != "alice" {
		t.Fatalf("unexpected metadata: %#v", header.Metadata)
	}

	folder := filepath.Join(checkpointDir, "alice-20260102T030405Z")
	if _, err := os.Stat(filepath.Join(folder, "commands.log.zst")); err != nil {
		t.Fatalf("expected compressed log: %v", err)
	}
}
