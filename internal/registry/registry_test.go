package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, filename, body string, executable bool) {
	t.Helper()
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(body), mode); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
}

func TestDiscoverOrdersAlphabeticallyByName(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "z_first_file.sh", "#!/bin/sh\nNAME = \"alpha\"\nexit 0\n", true)
	writeScript(t, dir, "a_second_file.sh", "#!/bin/sh\nNAME = \"beta\"\nexit 0\n", true)

	reg, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	all := reg.All()
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "beta" {
		t.Fatalf("expected [alpha beta] sorted by name regardless of filename, got %+v", all)
	}
}

func TestDiscoverSkipsNonExecutableAndUndeclaredFiles(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "declared.sh", "#!/bin/sh\nNAME = \"declared\"\nexit 0\n", true)
	writeScript(t, dir, "not_executable.sh", "#!/bin/sh\nNAME = \"skipped\"\nexit 0\n", false)
	writeScript(t, dir, "readme.txt", "this is not a script\n", true)

	reg, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	all := reg.All()
	if len(all) != 1 || all[0].Name != "declared" {
		t.Fatalf("expected only [declared], got %+v", all)
	}
}

func TestDiscoverRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "one.sh", "#!/bin/sh\nNAME = \"dup\"\nexit 0\n", true)
	writeScript(t, dir, "two.sh", "#!/bin/sh\nNAME = \"dup\"\nexit 0\n", true)

	if _, err := Discover(dir); err == nil {
		t.Fatal("expected an error for duplicate NAME declarations")
	}
}

func TestLookupAndFilter(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "keep.sh", "#!/bin/sh\nNAME = \"keep\"\nexit 0\n", true)
	writeScript(t, dir, "drop.sh", "#!/bin/sh\nNAME = \"drop\"\nexit 0\n", true)

	reg, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if path, ok := reg.Lookup("keep"); !ok || path == "" {
		t.Fatalf("expected to find keep, got (%q, %v)", path, ok)
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("expected Lookup to report not-found for an undeclared name")
	}

	filtered := reg.Filter([]string{"keep"})
	if len(filtered) != 1 || filtered[0].Name != "keep" {
		t.Fatalf("expected Filter to restrict to [keep], got %+v", filtered)
	}
}

func TestNilRegistryIsSafeToQuery(t *testing.T) {
	var reg *Registry
	if _, ok := reg.Lookup("anything"); ok {
		t.Fatal("expected Lookup on nil registry to report not-found")
	}
	if all := reg.All(); all != nil {
		t.Fatalf("expected All() on nil registry to be nil, got %+v", all)
	}
}
