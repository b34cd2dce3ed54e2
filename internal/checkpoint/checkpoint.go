// Package checkpoint takes periodic, redundant, restorable copies of
// coordinator and participant state. This is explicitly not log compaction
// (a Non-goal): nothing is ever pruned from history.json or commands.log:
// these are point-in-time compressed backups an operator can use to warm a
// restart or recover from a botched reset.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var idCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest records which files a checkpoint folder holds and how they were compressed.
type Manifest struct {
	Version   int      `json:"version"`
	CreatedAt string   `json:"created_at"`
	Codec     string   `json:"codec"`
	Files     []string `json:"files"`
}

func folderName(id string, created time.Time) string {
	cleaned := idCleaner.ReplaceAllString(id, "")
	if cleaned == "" {
		cleaned = "checkpoint"
	}
	return fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
}

// WriteCoordinatorCheckpoint snappy-compresses each coordinator source file
// (history.json, initial_world.json, ...) into a fresh timestamped folder
// under dir, mirroring the teacher's event-stream compression choice.
func WriteCoordinatorCheckpoint(dir, sessionID string, sources map[string]string, clock func() time.Time) (Header, error) {
	if clock == nil {
		clock = time.Now
	}
	created := clock().UTC()
	folder := filepath.Join(dir, folderName(sessionID, created))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return Header{}, fmt.Errorf("checkpoint: mkdir %s: %w", folder, err)
	}

	files := make([]string, 0, len(sources))
	for label, srcPath := range sources {
		dstName := label + ".sz"
		if err := compressFile(srcPath, filepath.Join(folder, dstName), snappyWriter); err != nil {
			return Header{}, fmt.Errorf("checkpoint: compress %s: %w", label, err)
		}
		files = append(files, dstName)
	}

	manifest := Manifest{Version: 1, CreatedAt: created.Format(time.RFC3339Nano), Codec: "snappy", Files: files}
	if err := writeManifest(filepath.Join(folder, "manifest.json"), manifest); err != nil {
		return Header{}, err
	}

	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Metadata:      Metadata{"session_id": sessionID, "kind": "coordinator"},
		FilePointer:   "manifest.json",
	}
	if err := WriteHeader(filepath.Join(folder, "header.json"), header); err != nil {
		return Header{}, err
	}
	return header, nil
}

// WriteParticipantCheckpoint zstd-compresses a participant's commands.log
// into a fresh timestamped folder before a destructive reset, so a manual
// recovery can restore the pre-reset log.
func WriteParticipantCheckpoint(dir, username, commandsLogPath string, clock func() time.Time) (Header, error) {
	if clock == nil {
		clock = time.Now
	}
	created := clock().UTC()
	folder := filepath.Join(dir, folderName(username, created))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return Header{}, fmt.Errorf("checkpoint: mkdir %s: %w", folder, err)
	}

	dstName := "commands.log.zst"
	if err := compressFile(commandsLogPath, filepath.Join(folder, dstName), zstdWriter); err != nil {
		return Header{}, fmt.Errorf("checkpoint: compress commands.log: %w", err)
	}

	manifest := Manifest{Version: 1, CreatedAt: created.Format(time.RFC3339Nano), Codec: "zstd", Files: []string{dstName}}
	if err := writeManifest(filepath.Join(folder, "manifest.json"), manifest); err != nil {
		return Header{}, err
	}

	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Metadata:      Metadata{"username": username, "kind": "participant"},
		FilePointer:   "manifest.json",
	}
	if err := WriteHeader(filepath.Join(folder, "header.json"), header); err != nil {
		return Header{}, err
	}
	return header, nil
}

type compressedWriter interface {
	io.WriteCloser
}

func snappyWriter(dst io.Writer) compressedWriter {
	return snappy.NewBufferedWriter(dst)
}

func zstdWriter(dst io.Writer) compressedWriter {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		// zstd.NewWriter only fails on invalid options; none are set here.
		panic(fmt.Sprintf("checkpoint: zstd.NewWriter: %v", err))
	}
	return enc
}

func compressFile(srcPath, dstPath string, newWriter func(io.Writer) compressedWriter) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	writer := newWriter(dst)
	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func writeManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
