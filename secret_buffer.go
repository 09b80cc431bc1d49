package tome

import (
	"fmt"
	"github.com/awnumar/memguard"
	"runtime"
	"southwinds.dev/tome/internal/mem"
	"sync"
)

const redacted = "[REDACTED]"

// SecretBuffer owns a single copy of a secret, normally the unlocked content key.
//
// The bytes live in a region that is pinned in RAM where the platform allows it. Wipe
// zeroes the region exactly once; afterwards every read fails with ErrVaultLocked.
// Formatting, JSON and text encoding never reveal the content, also for a copied value.
type SecretBuffer struct {
	s *secretState
}

type secretState struct {
	mu     sync.Mutex
	data   []byte
	pinned bool
	wiped  bool
}

// NewSecretBuffer copies src into a new buffer and wipes src.
func NewSecretBuffer(src []byte) *SecretBuffer {
	s := &secretState{data: make([]byte, len(src))}
	copy(s.data, src)
	memguard.WipeBytes(src)

	s.pinned = mem.LockBytes(s.data) == nil

	// last resort for buffers dropped without Wipe
	runtime.SetFinalizer(s, func(s *secretState) { s.wipe() })
	return &SecretBuffer{s: s}
}

// NewSecretBufferFromString copies s into a new buffer. The string itself cannot be
// wiped, so this is only meant for values that were never secret-bearing elsewhere.
func NewSecretBufferFromString(s string) *SecretBuffer {
	return NewSecretBuffer([]byte(s))
}

// state is nil for a nil or zero buffer
func (b *SecretBuffer) state() *secretState {
	if b == nil {
		return nil
	}
	return b.s
}

// Read returns the protected bytes. The slice aliases the buffer: it must not be kept
// and reads zeroes once the buffer is wiped. Prefer Use.
func (b *SecretBuffer) Read() ([]byte, error) {
	s := b.state()
	if s == nil {
		return nil, ErrVaultLocked
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil, ErrVaultLocked
	}
	return s.data, nil
}

// Use calls fn with the protected bytes while holding the buffer, so a concurrent Wipe
// waits until fn returns.
func (b *SecretBuffer) Use(fn func(secret []byte) error) error {
	s := b.state()
	if s == nil {
		return ErrVaultLocked
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return ErrVaultLocked
	}
	return fn(s.data)
}

// Wipe zeroes the region and invalidates the buffer. Calling it again does nothing.
func (b *SecretBuffer) Wipe() {
	if s := b.state(); s != nil {
		s.wipe()
	}
}

func (s *secretState) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}

	memguard.WipeBytes(s.data)
	if s.pinned {
		_ = mem.UnlockBytes(s.data)
		s.pinned = false
	}
	s.wiped = true
}

func (b *SecretBuffer) IsWiped() bool {
	s := b.state()
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

func (b *SecretBuffer) Len() int {
	s := b.state()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return 0
	}
	return len(s.data)
}

// The encoders below use value receivers so a dereferenced copy is redacted as well.

func (b SecretBuffer) String() string {
	return redacted
}

func (b SecretBuffer) GoString() string {
	return "tome.SecretBuffer{" + redacted + "}"
}

// Format makes every fmt verb, %x and %v included, print the redacted marker.
func (b SecretBuffer) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		_, _ = f.Write([]byte(b.GoString()))
		return
	}
	_, _ = f.Write([]byte(redacted))
}

func (b SecretBuffer) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (b SecretBuffer) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
