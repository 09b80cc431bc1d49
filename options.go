package tome

import (
	"fmt"
	"github.com/rs/zerolog"
	"southwinds.dev/tome/internal/crypto"
)

// Options configures an archive.
type Options struct {
	// KDF is used when a new vault is initialized. An existing vault always unlocks with
	// the params it was created with.
	KDF crypto.KDFParams `json:"kdf"`

	// UnlockRate limits unlock attempts per second; zero disables throttling.
	UnlockRate float64 `json:"unlock_rate,omitempty"`

	// UnlockBurst is the number of attempts allowed before UnlockRate applies.
	UnlockBurst int `json:"unlock_burst,omitempty"`

	// EnableMemoryLock asks the OS to keep all process memory out of swap.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// the user recorded in the action log
	UserID string `json:"-"`

	// Logger receives operational diagnostics. It never sees passwords, keys or record
	// content. Nil means no logging.
	Logger *zerolog.Logger `json:"-"`
}

// DefaultOptions returns PBKDF2-SHA256 with 100,000 iterations and no unlock throttle.
func DefaultOptions() Options {
	return Options{
		KDF: crypto.DefaultKDFParams(),
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	if err := o.KDF.Validate(); err != nil {
		return fmt.Errorf("invalid kdf: %w", err)
	}
	if o.UnlockRate < 0 {
		return fmt.Errorf("unlock rate cannot be negative")
	}
	if o.UnlockBurst < 0 {
		return fmt.Errorf("unlock burst cannot be negative")
	}
	if o.UnlockRate > 0 && o.UnlockBurst == 0 {
		return fmt.Errorf("unlock burst must be at least 1 when unlock rate is set")
	}
	return nil
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}
