// Command participant hosts both the client link (C4) and the sequencer
// (C5) for one session participant: it connects to a coordinator, mirrors
// the session history into a local append-only log, and drives the
// orchestrator/rule-loop contract over that log in strict order.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/worldbus/worldbus/internal/clientlink"
	"github.com/worldbus/worldbus/internal/config"
	"github.com/worldbus/worldbus/internal/logging"
	"github.com/worldbus/worldbus/internal/orchestrator"
	"github.com/worldbus/worldbus/internal/sequencer"
)

const maxRulePasses = 1

func main() {
	cfg, err := config.LoadParticipantConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over the WORLDBUS_* environment defaults just
	// loaded above (spec §6's CLI surface, SPEC_FULL §10.2).
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "path to the participant directory")
	flag.StringVar(&cfg.Username, "username", cfg.Username, "participant username")
	flag.StringVar(&cfg.ServerIP, "server-ip", cfg.ServerIP, "coordinator address")
	flag.IntVar(&cfg.ServerPort, "server-port", cfg.ServerPort, "coordinator port")
	flag.Parse()

	if cfg.Username == "" {
		fmt.Fprintln(os.Stderr, "WORLDBUS_USERNAME (or --username) is required")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var client *clientlink.Client
	onReset := func(world json.RawMessage) {
		logger.Info("session reset", logging.String("world_bytes", strconv.Itoa(len(world))))
		if cfg.InitialCommand != "" {
			if err := client.Send(cfg.InitialCommand); err != nil {
				logger.Warn("failed to re-send initial command after reset", logging.Error(err))
			}
		}
	}

	client, err = clientlink.New(cfg.Dir, cfg.Username, logger, onReset)
	if err != nil {
		logger.Fatal("failed to initialize client link", logging.Error(err))
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.ServerIP, strconv.Itoa(cfg.ServerPort))
	if err := client.Connect(ctx, addr); err != nil {
		logger.Fatal("failed to connect to coordinator", logging.Error(err), logging.String("address", addr))
	}
	logger.Info("connected to coordinator", logging.String("address", addr))

	if err := client.CatchUp(ctx); err != nil {
		logger.Fatal("failed to catch up session history", logging.Error(err))
	}

	dispatch := func(ctx context.Context, dir, commandText, username string) (int, error) {
		exitCode, err := orchestrator.RunCommand(ctx, dir, commandText, username, maxRulePasses)
		if err != nil {
			logger.Warn("command failed", logging.String("text", commandText), logging.Error(err))
		}
		return exitCode, nil
	}
	seq, err := sequencer.New(cfg.Dir, client.Log(), dispatch, cfg.SequencerPollInterval, cfg.DispatchTimeout, logger)
	if err != nil {
		logger.Fatal("failed to initialize sequencer", logging.Error(err))
	}

	seqDone := make(chan error, 1)
	go func() { seqDone <- seq.Run(ctx) }()

	if cfg.InitialCommand != "" {
		if err := client.Send(cfg.InitialCommand); err != nil {
			logger.Warn("failed to send initial command", logging.Error(err))
		}
	}

	go readStdinCommands(ctx, client, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, closing participant")
	case <-client.Done():
		logger.Info("connection to coordinator closed")
	case err := <-seqDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("sequencer stopped unexpectedly", logging.Error(err))
		}
	}
	stop()
	<-seq.Done()
}

// readStdinCommands forwards each line of stdin as a command, mirroring the
// interactive session shell the core treats as an external collaborator
// (spec §1). Reads stop when ctx is canceled or stdin is closed.
func readStdinCommands(ctx context.Context, client *clientlink.Client, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := client.Send(text); err != nil {
			logger.Warn("failed to send command", logging.Error(err))
		}
	}
}
