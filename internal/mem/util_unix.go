//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"errors"
	"fmt"
	"golang.org/x/sys/unix"
)

func lockMemoryPlatform() (ProtectionLevel, error) {
	err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	if err != nil {
		// unprivileged processes usually hit EPERM; single regions may still be locked
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
			return ProtectionPartial, nil
		}
		return ProtectionNone, fmt.Errorf("failed to lock memory: %w", err)
	}
	return ProtectionFull, nil
}

func unlockMemoryPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("failed to unlock memory: %w", err)
	}
	return nil
}

func lockBytesPlatform(b []byte) error {
	if err := unix.Mlock(b); err != nil {
		return fmt.Errorf("failed to lock region: %w", err)
	}
	return nil
}

func unlockBytesPlatform(b []byte) error {
	if err := unix.Munlock(b); err != nil {
		return fmt.Errorf("failed to unlock region: %w", err)
	}
	return nil
}
