//go:build linux

package ioctlnbd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckConnUnattached(t *testing.T) {
	sysfsBlockRoot = t.TempDir()
	attached, _, err := CheckConn("/dev/nbd0")
	if err != nil {
		t.Fatalf("CheckConn: %v", err)
	}
	if attached {
		t.Error("attached = true, want false")
	}
}

func TestCheckConnAttached(t *testing.T) {
	root := t.TempDir()
	sysfsBlockRoot = root
	if err := os.MkdirAll(filepath.Join(root, "nbd0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "nbd0", "pid"), []byte("1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	attached, pid, err := CheckConn("/dev/nbd0")
	if err != nil {
		t.Fatalf("CheckConn: %v", err)
	}
	if !attached || pid != "1234" {
		t.Errorf("CheckConn = (%v, %q), want (true, \"1234\")", attached, pid)
	}
}

func TestCheckConnTruncatesPartitionSuffix(t *testing.T) {
	root := t.TempDir()
	sysfsBlockRoot = root
	if err := os.MkdirAll(filepath.Join(root, "nbd0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "nbd0", "pid"), []byte("5678"), 0o644); err != nil {
		t.Fatal(err)
	}

	attached, pid, err := CheckConn("/dev/nbd0p1")
	if err != nil {
		t.Fatalf("CheckConn: %v", err)
	}
	if !attached || pid != "5678" {
		t.Errorf("CheckConn = (%v, %q), want (true, \"5678\")", attached, pid)
	}
}

func TestDevnameIndex(t *testing.T) {
	idx, err := devnameIndex("/dev/nbd3")
	if err != nil {
		t.Fatalf("devnameIndex: %v", err)
	}
	if idx != 3 {
		t.Errorf("idx = %d, want 3", idx)
	}
}

func TestSizeChangedError(t *testing.T) {
	err := &SizeChanged{Was: 100, Now: 200}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}
