// Package embedded installs a server binary shipped inside the host
// application (typically via go:embed) into a cache directory and hands its
// path to the client as a binary resolver.
//
// Installation is content-addressed: an already-installed binary is reused
// only when its SHA-256 digest matches the embedded one, and a mismatch is
// a hard error rather than a silent overwrite. A cross-process file lock
// keeps concurrent installs (multiple processes, same cache dir) from
// trampling each other.
package embedded

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// cacheSubdir is the directory created under the user cache dir when no
// explicit install directory is configured.
const cacheSubdir = "agentlink"

// Installer installs an embedded server binary on first use. It satisfies
// the client's BinaryResolver interface; pass it with WithBinaryResolver.
//
// Binary and Digest are required. The zero value is not usable.
type Installer struct {
	// Binary is the embedded executable's content.
	Binary io.Reader

	// Digest is the SHA-256 digest of the executable's content.
	Digest []byte

	// License, when non-empty, is written next to the installed binary.
	License []byte

	// Dir overrides the install directory. Empty means a subdirectory of
	// the user cache dir (falling back to the temp dir).
	Dir string

	// Version suffixes the installed binary name so versions can coexist.
	Version string

	once sync.Once
	path string
	err  error
}

// Resolve installs the binary if needed and returns its path. The install
// runs at most once per Installer; later calls return the cached outcome.
func (i *Installer) Resolve() (string, error) {
	i.once.Do(func() {
		i.path, i.err = i.install()
	})
	return i.path, i.err
}

func (i *Installer) install() (string, error) {
	if i.Binary == nil {
		return "", fmt.Errorf("embedded: Binary is required")
	}
	if len(i.Digest) != sha256.Size {
		return "", fmt.Errorf("embedded: Digest must be a SHA-256 digest (%d bytes), got %d", sha256.Size, len(i.Digest))
	}

	dir := i.Dir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = os.TempDir()
		}
		dir = filepath.Join(cache, cacheSubdir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("embedded: create install directory: %w", err)
	}

	version := sanitizeVersion(i.Version)
	path, err := i.installLocked(dir, version)
	if err != nil {
		return "", err
	}
	return path, nil
}

// installLocked performs the install under the directory's advisory lock.
// The lock is scoped to this function; every return path releases it.
func (i *Installer) installLocked(dir, version string) (string, error) {
	lockName := ".install.lock"
	if version != "" {
		lockName = fmt.Sprintf(".install-%s.lock", version)
	}

	lock, err := acquireLock(filepath.Join(dir, lockName))
	if err == nil {
		defer lock.release()
	}
	// Locking is best effort; on platforms without it, installs race but
	// the digest check keeps the outcome consistent.

	target := binaryPath(dir, version)

	if _, err := os.Stat(target); err == nil {
		existing, err := digestFile(target)
		if err != nil {
			return "", fmt.Errorf("embedded: digest existing binary: %w", err)
		}
		if !bytes.Equal(existing, i.Digest) {
			return "", fmt.Errorf("embedded: existing binary at %s does not match the embedded digest", target)
		}
		return target, nil
	}

	if err := i.writeBinary(target); err != nil {
		return "", err
	}
	if len(i.License) > 0 {
		if err := os.WriteFile(target+".license", i.License, 0o644); err != nil {
			return "", fmt.Errorf("embedded: write license: %w", err)
		}
	}
	return target, nil
}

func (i *Installer) writeBinary(target string) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("embedded: create binary: %w", err)
	}
	_, err = io.Copy(f, i.Binary)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if c, ok := i.Binary.(io.Closer); ok {
		_ = c.Close()
	}
	if err != nil {
		return fmt.Errorf("embedded: write binary: %w", err)
	}
	return nil
}

// binaryPath builds the installed binary path with an optional version
// suffix before the extension.
func binaryPath(dir, version string) string {
	name := "agentd"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if version == "" {
		return filepath.Join(dir, name)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, version, ext))
}

// sanitizeVersion keeps only filename-safe characters.
func sanitizeVersion(version string) string {
	var b strings.Builder
	for _, r := range version {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// digestFile returns the SHA-256 digest of a file on disk.
func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
