// Package registry discovers command/rule/view scripts the same way in
// both the orchestrator (C6) and the rule loop (C7): each script declares
// its own name on the first non-comment line as `NAME = "<name>"`, giving
// O(1) lookup by name without a separate manifest file (spec §4.6/§4.7).
// The scripts themselves are user content and out of scope; this package
// only indexes whatever files are present.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var namePattern = regexp.MustCompile(`^NAME\s*=\s*"([^"]+)"\s*$`)

// Entry is one discovered script and the order it was found in, so a
// caller that must run "all discovered rules" can do so deterministically.
type Entry struct {
	Name string
	Path string
}

// Registry maps a script name to its file path and preserves discovery
// order for "run every rule" passes.
type Registry struct {
	order  []Entry
	byName map[string]string
}

// Discover scans dir (non-recursively) for regular, executable files whose
// first non-comment line declares a NAME. Files without a NAME line are
// skipped rather than erroring, since scripts/ may also hold shared
// library code the registry isn't meant to index.
func Discover(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", dir, err)
	}

	reg := &Registry{byName: make(map[string]string)}
	names := make([]string, 0, len(entries))
	paths := make(map[string]string, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name, ok, err := readDeclaredName(path)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", path, err)
		}
		if !ok {
			continue
		}
		if _, exists := reg.byName[name]; exists {
			return nil, fmt.Errorf("registry: duplicate NAME %q (%s and %s)", name, reg.byName[name], path)
		}
		reg.byName[name] = path
		names = append(names, name)
		paths[name] = path
	}

	// Stable discovery order independent of the OS's directory listing
	// order, so "run all discovered rules" is reproducible across hosts.
	sort.Strings(names)
	for _, name := range names {
		reg.order = append(reg.order, Entry{Name: name, Path: paths[name]})
	}
	return reg, nil
}

func readDeclaredName(path string) (name string, ok bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", false, statErr
	}
	if info.Mode()&0o111 == 0 {
		return "", false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if match := namePattern.FindStringSubmatch(line); match != nil {
			return match[1], true, nil
		}
		return "", false, nil
	}
	return "", false, scanner.Err()
}

// Lookup returns the path registered for name, if any.
func (r *Registry) Lookup(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	path, ok := r.byName[name]
	return path, ok
}

// All returns every discovered entry in deterministic (sorted-by-name) order.
func (r *Registry) All() []Entry {
	if r == nil {
		return nil
	}
	return append([]Entry(nil), r.order...)
}

// Filter returns the subset of All() whose names appear in allowed,
// preserving All()'s order (spec §4.7's rules_in_power restriction).
func (r *Registry) Filter(allowed []string) []Entry {
	if r == nil || allowed == nil {
		return r.All()
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	var filtered []Entry
	for _, entry := range r.order {
		if allow[entry.Name] {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
