// Command worldview is the reference read-only view process (spec §1, §2):
// it observes a participant's world file and sequencer cursor and renders
// state, without mutating either. A rendering view is an external
// collaborator per spec; this binary only exercises the file contract the
// core actually constrains, forwarding every change to stdout as a single
// line of JSON so a richer renderer can pipe this process's output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/worldbus/worldbus/internal/config"
	"github.com/worldbus/worldbus/internal/logging"
)

const (
	dataDirName    = "data"
	worldFileName  = "world.json"
	cursorFileName = "cursor.seq"
)

type renderedState struct {
	Cursor uint64          `json:"cursor"`
	World  json.RawMessage `json:"world,omitempty"`
}

func main() {
	cfg, err := config.LoadWorldviewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over the WORLDBUS_* environment defaults just
	// loaded above (spec §6's CLI surface, SPEC_FULL §10.2; worldview
	// follows the sequencer's "--dir" convention since it watches the same
	// per-participant directory).
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "path to the participant directory to observe")
	flag.Parse()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Fatal("failed to create watcher", logging.Error(err))
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Join(cfg.Dir, dataDirName)); err != nil {
		logger.Fatal("failed to watch data directory", logging.Error(err), logging.String("dir", cfg.Dir))
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		logger.Fatal("failed to watch participant directory", logging.Error(err), logging.String("dir", cfg.Dir))
	}

	render(cfg.Dir, logger)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, stopping worldview")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if base == worldFileName || base == cursorFileName {
				render(cfg.Dir, logger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", logging.Error(err))
		case <-ticker.C:
			render(cfg.Dir, logger)
		}
	}
}

func render(dir string, logger *logging.Logger) {
	state := renderedState{}

	if raw, err := os.ReadFile(filepath.Join(dir, dataDirName, worldFileName)); err == nil {
		state.World = json.RawMessage(raw)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to read world.json", logging.Error(err))
	}

	if raw, err := os.ReadFile(filepath.Join(dir, cursorFileName)); err == nil {
		if value, parseErr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); parseErr == nil {
			state.Cursor = value
		}
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to read cursor.seq", logging.Error(err))
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		logger.Warn("failed to encode rendered state", logging.Error(err))
		return
	}
	fmt.Println(string(encoded))
}
