// Package orchestrator implements both sides of the orchestrator contract
// (spec §4.6): Launch is the sequencer-side (C5) helper that spawns a
// standalone orchestrator as an external child process per §4.5 step 2, for
// callers that want that process boundary; RunCommand is the contract's
// own logic (command-handler registry lookup followed by the rule loop)
// and is what cmd/participant invokes directly in-process, per spec §9's
// note that collapsing the orchestrator's own process boundary is
// admissible as long as it still preserves determinism and stream
// isolation. Grounded on the teacher's subprocess-free style, which has
// nothing resembling an external-process contract; the shape here instead
// follows `original_source/engine/orchestrator.py`'s "look up handler by
// name, run it, then run the rule loop" sequence, reimplemented with
// os/exec.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/worldbus/worldbus/internal/registry"
	"github.com/worldbus/worldbus/internal/ruleloop"
)

// Command handlers and rules are registered in separate subdirectories of
// scripts/ even though both use the same NAME convention, so that a
// handler's own NAME never collides with, or gets re-run as, a rule in the
// same pass (spec §6 names scripts/ only as "command/rule/view registries",
// leaving the internal layout unspecified).
const (
	commandsDirName = "commands"
	rulesDirName    = "rules"
)

// Exit codes the orchestrator contract reports to its caller (spec §4.6).
const (
	ExitSuccess        = 0
	ExitUnknownCommand = 1
	ExitHandlerFailed  = 2
	ExitRuleLoopFailed = 3
)

// Launch spawns the orchestrator binary at orchestratorPath as a child
// process per spec §4.5 step 2: cwd = dir, argv = [orchestratorPath,
// commandText, username], stdout/stderr streamed unbuffered to the parent's
// own stdout/stderr. The returned exit code is never itself an error; a
// non-zero exit is reported to the caller but does not fail the sequencer
// (spec §4.5 step 4: "any exit code is non-fatal").
func Launch(ctx context.Context, dir, orchestratorPath, commandText, username string) (exitCode int, err error) {
	cmd := exec.CommandContext(ctx, orchestratorPath, commandText, username)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	if runErr == nil {
		return ExitSuccess, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("orchestrator: launch %s: %w", orchestratorPath, runErr)
}

// RunCommand implements the orchestrator contract's own logic (spec §4.6):
// it splits commandText into a command name and arguments, looks the name
// up in the scripts/ registry, runs the handler, and, on handler success,
// runs the rule loop and maps its exit code into the orchestrator's own.
// Unknown commands and handler failures short-circuit before the rule loop
// ever runs.
func RunCommand(ctx context.Context, dir, commandText, username string, maxRulePasses int) (exitCode int, err error) {
	words, err := splitWords(commandText)
	if err != nil {
		return ExitUnknownCommand, fmt.Errorf("orchestrator: %w", err)
	}
	if len(words) == 0 {
		return ExitUnknownCommand, fmt.Errorf("orchestrator: empty command text")
	}
	name, args := words[0], words[1:]

	commandsReg, err := registry.Discover(filepath.Join(dir, "scripts", commandsDirName))
	if err != nil {
		return ExitUnknownCommand, fmt.Errorf("orchestrator: discover handlers: %w", err)
	}

	handlerPath, ok := commandsReg.Lookup(name)
	if !ok {
		return ExitUnknownCommand, fmt.Errorf("orchestrator: unknown command %q", name)
	}

	if err := runHandler(ctx, dir, handlerPath, args, username); err != nil {
		return ExitHandlerFailed, fmt.Errorf("orchestrator: handler %q: %w", name, err)
	}

	rulesReg, err := registry.Discover(filepath.Join(dir, "scripts", rulesDirName))
	if err != nil {
		return ExitRuleLoopFailed, fmt.Errorf("orchestrator: discover rules: %w", err)
	}
	ruleExit, err := ruleloop.Converge(ctx, dir, rulesReg, maxRulePasses)
	if err != nil {
		return ExitRuleLoopFailed, fmt.Errorf("orchestrator: rule loop: %w", err)
	}
	switch ruleExit {
	case ruleloop.ExitChanged, ruleloop.ExitUnchanged:
		return ExitSuccess, nil
	default:
		return ExitRuleLoopFailed, fmt.Errorf("orchestrator: rule loop exited %d", ruleExit)
	}
}

// runHandler invokes a command handler script: cwd = dir, argv =
// [handlerPath, username, args...], stdin/stdout = data/world.json (the
// handler mutates world state the same way a rule does). The handler
// contract mirrors the rule-loop contract's stdin/stdout convention since
// neither the core spec nor original_source/ fixes a different one for
// command handlers specifically.
func runHandler(ctx context.Context, dir, handlerPath string, args []string, username string) error {
	worldPath := filepath.Join(dir, "data", "world.json")
	world, err := os.ReadFile(worldPath)
	if err != nil {
		return fmt.Errorf("read world.json: %w", err)
	}

	argv := append([]string{username}, args...)
	cmd := exec.CommandContext(ctx, handlerPath, argv...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(world)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
	cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run handler: %w (stderr: %s)", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil
	}
	if err := os.WriteFile(worldPath, stdout.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write world.json: %w", err)
	}
	return nil
}
