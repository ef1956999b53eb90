//go:build !darwin && !dragonfly && !freebsd && !illumos && !linux && !netbsd && !openbsd

package embedded

import (
	"errors"
	"os"
)

func lockFile(_ *os.File) error {
	return errors.ErrUnsupported
}

func unlockFile(_ *os.File) error {
	return errors.ErrUnsupported
}
