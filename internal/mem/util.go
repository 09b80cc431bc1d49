package mem

// ProtectionLevel reports how well process memory is kept out of swap
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

// Lock attempts to lock all current and future process pages in RAM.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

func Unlock() error {
	return unlockMemoryPlatform()
}

// LockBytes pins a single region in RAM. It is best effort: callers keep working when
// the platform or the process limits refuse the lock.
func LockBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return lockBytesPlatform(b)
}

func UnlockBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unlockBytesPlatform(b)
}
