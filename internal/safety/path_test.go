package safety

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := ResolveUnder(root, "bin/firmware.bin")
	if err != nil {
		t.Fatalf("ResolveUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	for _, bad := range []string{"", ".", "../escape.bin", "/abs/firmware.bin", "bin/../../x.bin"} {
		if _, err := ResolveUnder(root, bad); err == nil {
			t.Errorf("ResolveUnder(%q) succeeded, want error", bad)
		}
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestRegularFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(file, []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RegularFile(file); err != nil {
		t.Errorf("RegularFile(file) error = %v", err)
	}
	if err := RegularFile(dir); err == nil {
		t.Error("RegularFile(dir) succeeded, want error")
	}
	if err := RegularFile(filepath.Join(dir, "nope")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("RegularFile(missing) error = %v, want ErrNotExist", err)
	}
}
