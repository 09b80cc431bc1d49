package misc

const (
	// FormatVersion is the on-disk vault format written to the "version" metadata key
	FormatVersion = "1"

	// PBKDF2 defaults, matching the work factor of the first tome vaults
	PBKDF2Iterations = 100000

	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4

	KeyLen uint32 = 32

	GlobalSaltLen = 16
	RecordSaltLen = 16
	ContentKeyLen = 32

	// Charset is the alphabet for salts and content keys. Both are persisted or derived
	// from as printable text, so the alphabet is part of the vault format.
	Charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_-+=<>?/"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
