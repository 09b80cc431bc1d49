//go:build windows

package mem

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
