package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathLayout(t *testing.T) {
	store, err := NewStore("/data")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if got := store.SubmissionArchivePath("c1", "u1", "s1"); got != "/data/submissions/c1/u1/s1.archive" {
		t.Fatalf("unexpected archive path: %s", got)
	}
	if got := store.SubmissionArchivePath("", "u1", "s1"); got != "/data/submissions/standalone/u1/s1.archive" {
		t.Fatalf("unexpected standalone path: %s", got)
	}
	if got := store.UserBinaryPath("s1"); got != "/data/binaries/users/s1.bin" {
		t.Fatalf("unexpected binary path: %s", got)
	}
	if got := store.GeneratorPath("p1"); got != "/data/binaries/problems/p1/generator" {
		t.Fatalf("unexpected generator path: %s", got)
	}
	if got := store.CheckerPath("p1"); got != "/data/binaries/problems/p1/checker" {
		t.Fatalf("unexpected checker path: %s", got)
	}
	if got := store.InputPath("p1", 7); got != "/data/testcases/p1/input_007.txt" {
		t.Fatalf("unexpected input path: %s", got)
	}
	if got := store.LastAccessPath("p1"); got != "/data/testcases/p1/.last_access" {
		t.Fatalf("unexpected marker path: %s", got)
	}
	if got := store.ScratchDir("s1"); got != "/data/temp/s1" {
		t.Fatalf("unexpected scratch path: %s", got)
	}
}

func TestPlaceFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	src := filepath.Join(t.TempDir(), "main")
	if err := os.WriteFile(src, []byte("#!/bin/sh\necho 5\n"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dest := store.UserBinaryPath("s1")
	if err := store.PlaceFile(src, dest, 0755); err != nil {
		t.Fatalf("place file: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat dest: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Fatalf("expected 0755, got %v", info.Mode().Perm())
	}

	// No staging leftovers next to the destination.
	entries, err := os.ReadDir(filepath.Dir(dest))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".staging-") {
			t.Fatalf("staging file left behind: %s", entry.Name())
		}
	}
}

func TestPlaceFileOverwrites(t *testing.T) {
	root := t.TempDir()
	store, _ := NewStore(root)

	srcDir := t.TempDir()
	first := filepath.Join(srcDir, "a")
	second := filepath.Join(srcDir, "b")
	_ = os.WriteFile(first, []byte("one"), 0644)
	_ = os.WriteFile(second, []byte("two"), 0644)

	dest := store.UserBinaryPath("s1")
	if err := store.PlaceFile(first, dest, 0755); err != nil {
		t.Fatalf("first place: %v", err)
	}
	if err := store.PlaceFile(second, dest, 0755); err != nil {
		t.Fatalf("second place: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "two" {
		t.Fatalf("expected overwrite, got %q", data)
	}
}

func TestProblemReady(t *testing.T) {
	root := t.TempDir()
	store, _ := NewStore(root)

	if store.ProblemReady("p1") {
		t.Fatalf("empty problem must not be ready")
	}

	genPath := store.GeneratorPath("p1")
	_ = os.MkdirAll(filepath.Dir(genPath), 0755)
	_ = os.WriteFile(genPath, []byte("gen"), 0755)
	if store.ProblemReady("p1") {
		t.Fatalf("generator alone must not be ready")
	}

	_ = os.WriteFile(store.CheckerPath("p1"), []byte("chk"), 0755)
	if !store.ProblemReady("p1") {
		t.Fatalf("both binaries present must be ready")
	}
}

func TestScratchLifecycle(t *testing.T) {
	root := t.TempDir()
	store, _ := NewStore(root)

	dir, err := store.CreateScratch("s1")
	if err != nil {
		t.Fatalf("create scratch: %v", err)
	}
	_ = os.WriteFile(filepath.Join(dir, "output_001.txt"), []byte("5\n"), 0644)

	if err := store.RemoveScratch("s1"); err != nil {
		t.Fatalf("remove scratch: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("scratch must be gone")
	}
}
