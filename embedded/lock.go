package embedded

import "os"

// fileLock is a held cross-process advisory lock. release unlocks and
// closes the underlying file; it is idempotent.
type fileLock struct {
	f        *os.File
	released bool
}

// acquireLock opens (or creates) the lock file at path and blocks until the
// exclusive lock is held.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l.released {
		return nil
	}
	l.released = true
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
