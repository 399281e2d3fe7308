package acl

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAllowlist(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRebuildAndAllowed(t *testing.T) {
	path := writeAllowlist(t, "192.168.1.1\n10.0.0.1\n")
	a := New()
	if err := a.Rebuild(path); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	if !a.Allowed("192.168.1.1") {
		t.Error("expected 192.168.1.1 to be allowed")
	}
	if !a.Allowed("10.0.0.1") {
		t.Error("expected 10.0.0.1 to be allowed")
	}
	if a.Allowed("8.8.8.8") {
		t.Error("expected 8.8.8.8 to be denied")
	}
	if got := a.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	a := New()
	if a.Allowed("127.0.0.1") {
		t.Error("expected never-rebuilt allowlist to deny everything")
	}
}

func TestRebuildSkipsMalformedLines(t *testing.T) {
	path := writeAllowlist(t, "not-an-ip\n\n192.168.1.1\n::1\n")
	a := New()
	if err := a.Rebuild(path); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	// ::1 is valid IPv6 but the allowlist is dotted-quad only.
	if a.Allowed("::1") {
		t.Error("expected IPv6 line to be rejected")
	}
	if got := a.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 (only the valid IPv4 line)", got)
	}
}

func TestRebuildRemovesStaleEntries(t *testing.T) {
	path := writeAllowlist(t, "192.168.1.1\n192.168.1.2\n")
	a := New()
	if err := a.Rebuild(path); err != nil {
		t.Fatal(err)
	}
	if !a.Allowed("192.168.1.2") {
		t.Fatal("expected 192.168.1.2 to be allowed before shrink")
	}

	if err := os.WriteFile(path, []byte("192.168.1.1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := a.Rebuild(path); err != nil {
		t.Fatal(err)
	}

	if a.Allowed("192.168.1.2") {
		t.Error("expected 192.168.1.2 to be removed after reload")
	}
	if !a.Allowed("192.168.1.1") {
		t.Error("expected 192.168.1.1 to remain allowed")
	}
}

func TestRebuildNonExistentFileReturnsError(t *testing.T) {
	a := New()
	if err := a.Rebuild(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for nonexistent file")
	}
}
