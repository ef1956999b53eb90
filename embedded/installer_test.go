package embedded

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func digestOf(content []byte) []byte {
	sum := sha256.Sum256(content)
	return sum[:]
}

func TestInstaller_Resolve(t *testing.T) {
	dir := t.TempDir()
	content := []byte("#!/bin/sh\necho fake server\n")
	inst := &Installer{
		Binary: bytes.NewReader(content),
		Digest: digestOf(content),
		Dir:    dir,
	}

	path, err := inst.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path = %q, want inside %q", path, dir)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("installed content differs from embedded content")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			t.Errorf("mode = %v, want executable", info.Mode())
		}
	}

	// Resolve caches; a second call returns the same path without error
	// even though the embedded reader is exhausted.
	again, err := inst.Resolve()
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again != path {
		t.Errorf("second path = %q, want %q", again, path)
	}
}

func TestInstaller_ReusesMatchingInstall(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server v1")

	first := &Installer{Binary: bytes.NewReader(content), Digest: digestOf(content), Dir: dir}
	path, err := first.Resolve()
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	// A fresh installer with the same digest must reuse the file rather
	// than rewrite it.
	before, _ := os.Stat(path)
	second := &Installer{Binary: bytes.NewReader(content), Digest: digestOf(content), Dir: dir}
	path2, err := second.Resolve()
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if path2 != path {
		t.Errorf("path = %q, want %q", path2, path)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("existing install was rewritten")
	}
}

func TestInstaller_DigestMismatchIsHardError(t *testing.T) {
	dir := t.TempDir()
	old := []byte("server v1")
	inst := &Installer{Binary: bytes.NewReader(old), Digest: digestOf(old), Dir: dir}
	if _, err := inst.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	next := []byte("server v2")
	conflicting := &Installer{Binary: bytes.NewReader(next), Digest: digestOf(next), Dir: dir}
	_, err := conflicting.Resolve()
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("Resolve = %v, want digest mismatch error", err)
	}
}

func TestInstaller_VersionedInstallsCoexist(t *testing.T) {
	dir := t.TempDir()
	v1 := []byte("server v1")
	v2 := []byte("server v2")

	p1, err := (&Installer{Binary: bytes.NewReader(v1), Digest: digestOf(v1), Dir: dir, Version: "1.0.0"}).Resolve()
	if err != nil {
		t.Fatalf("install v1: %v", err)
	}
	p2, err := (&Installer{Binary: bytes.NewReader(v2), Digest: digestOf(v2), Dir: dir, Version: "2.0.0"}).Resolve()
	if err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("versioned installs share path %q", p1)
	}
	if !strings.Contains(filepath.Base(p1), "1.0.0") {
		t.Errorf("path %q lacks version suffix", p1)
	}
}

func TestInstaller_WritesLicense(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server")
	inst := &Installer{
		Binary:  bytes.NewReader(content),
		Digest:  digestOf(content),
		License: []byte("MIT License"),
		Dir:     dir,
	}

	path, err := inst.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	license, err := os.ReadFile(path + ".license")
	if err != nil {
		t.Fatalf("read license: %v", err)
	}
	if string(license) != "MIT License" {
		t.Errorf("license = %q", license)
	}
}

func TestInstaller_Validation(t *testing.T) {
	if _, err := (&Installer{Digest: digestOf(nil)}).Resolve(); err == nil {
		t.Error("missing Binary accepted")
	}
	if _, err := (&Installer{Binary: bytes.NewReader(nil), Digest: []byte("short")}).Resolve(); err == nil {
		t.Error("short Digest accepted")
	}
}

func TestSanitizeVersion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1.2.3", "1.2.3"},
		{"v1.2.3-rc.1", "v1.2.3-rc.1"},
		{"feat/thing", "feat_thing"},
		{"a b", "a_b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeVersion(tt.in); got != tt.want {
			t.Errorf("sanitizeVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
