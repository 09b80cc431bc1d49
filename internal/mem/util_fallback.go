//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

// zeroing still applies on these platforms, swapping cannot be prevented
func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}

func lockBytesPlatform(b []byte) error {
	return nil
}

func unlockBytesPlatform(b []byte) error {
	return nil
}
