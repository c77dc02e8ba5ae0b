package executor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lsst-ts/scriptqueue/qerr"
)

func TestResolvePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ResolvePath(root, "../etc/passwd")
	if !errors.Is(err, qerr.ErrBadPath) {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
}

func TestResolvePathAcceptsNestedPath(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	scriptPath := filepath.Join(root, "sub", "slew.py")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	resolved, err := ResolvePath(root, filepath.Join("sub", "slew.py"))
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if resolved != scriptPath {
		t.Fatalf("got %q, want %q", resolved, scriptPath)
	}
}
