// Package ruleloop implements the rule-loop contract (spec §4.7): a pass
// over every rule script named by the `rules_in_power` list (or every
// discovered rule, if absent), each invoked as a child process with the
// current world on stdin and a (possibly) new world on stdout. Grounded on
// the teacher's subprocess-per-tick pattern nowhere in go-broker directly
// (the teacher has no child-process contract), so this package follows
// `original_source/engine/rules/rule_loop.py`'s pass/convergence shape
// instead, reimplemented with os/exec rather than Python's subprocess.
package ruleloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/worldbus/worldbus/internal/registry"
)

// Exit code contract a rule script must honor.
const (
	ExitChanged   = 0
	ExitUnchanged = 9
)

const worldFileName = "world.json"

// ErrRuleFailed wraps a non-{0,9} rule exit as the pass's terminal error.
type ErrRuleFailed struct {
	Rule     string
	ExitCode int
	Stderr   string
}

func (e *ErrRuleFailed) Error() string {
	return fmt.Sprintf("ruleloop: rule %q exited %d", e.Rule, e.ExitCode)
}

type rulesInPower struct {
	Rules []string `json:"rules_in_power"`
}

// Converge runs up to maxPasses passes over the registry, stopping early
// once a pass reports no change (exit 9) or an error. maxPasses <= 0
// selects 1, matching spec §4.7's "convergence is a policy decision, not a
// core requirement" — single-pass is the conservative default.
func Converge(ctx context.Context, dir string, reg *registry.Registry, maxPasses int) (exitCode int, err error) {
	if maxPasses <= 0 {
		maxPasses = 1
	}
	for pass := 0; pass < maxPasses; pass++ {
		exitCode, err = RunPass(ctx, dir, reg)
		if err != nil {
			return exitCode, err
		}
		if exitCode == ExitUnchanged {
			return exitCode, nil
		}
	}
	return exitCode, nil
}

// RunPass runs every applicable rule once, in registry order, feeding each
// rule's stdout forward as the next rule's stdin. A rule exiting with
// anything other than 0 or 9 halts the pass immediately (spec §4.7: "a
// single pass either runs all listed rules or halts on error").
func RunPass(ctx context.Context, dir string, reg *registry.Registry) (exitCode int, err error) {
	worldPath := filepath.Join(dir, "data", worldFileName)
	world, err := os.ReadFile(worldPath)
	if err != nil {
		return 0, fmt.Errorf("ruleloop: read world.json: %w", err)
	}

	entries := selectRules(reg, world)
	current := world
	changed := false

	for _, entry := range entries {
		next, ruleChanged, runErr := runRule(ctx, dir, entry.Path, current)
		if runErr != nil {
			return exitCodeFromErr(runErr), runErr
		}
		if ruleChanged {
			current = next
			changed = true
		}
	}

	if changed {
		if err := os.WriteFile(worldPath, current, 0o644); err != nil {
			return 0, fmt.Errorf("ruleloop: write world.json: %w", err)
		}
		return ExitChanged, nil
	}
	return ExitUnchanged, nil
}

func selectRules(reg *registry.Registry, world []byte) []registry.Entry {
	var parsed rulesInPower
	if err := json.Unmarshal(world, &parsed); err != nil || parsed.Rules == nil {
		return reg.All()
	}
	return reg.Filter(parsed.Rules)
}

func runRule(ctx context.Context, dir, scriptPath string, world []byte) (newWorld []byte, changed bool, err error) {
	cmd := exec.CommandContext(ctx, scriptPath)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(world)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, false, fmt.Errorf("ruleloop: run %s: %w", scriptPath, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	name := filepath.Base(scriptPath)
	switch exitCode {
	case ExitChanged:
		return stdout.Bytes(), true, nil
	case ExitUnchanged:
		return world, false, nil
	default:
		return nil, false, &ErrRuleFailed{Rule: name, ExitCode: exitCode, Stderr: stderr.String()}
	}
}

func exitCodeFromErr(err error) int {
	var failed *ErrRuleFailed
	if errors.As(err, &failed) {
		return failed.ExitCode
	}
	return 1
}
