package tome

import (
	"errors"
	"fmt"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/persist"
)

var (
	// ErrInvalidParameters reports a programming error: an empty salt or password, a key of
	// the wrong size or unusable derivation parameters.
	ErrInvalidParameters = crypto.ErrInvalidParameters

	// ErrDecryptionFailed reports a record body that did not authenticate under its record
	// key. The content key is known to be right at that point, so this is a data integrity
	// fault, not a password problem.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrWrongPassword is returned when the wrapped content key does not open under the
	// password. A corrupt wrapped key is reported the same way.
	ErrWrongPassword = errors.New("wrong password")

	// ErrVaultLocked is returned by record operations while no content key is held.
	ErrVaultLocked = errors.New("vault is locked")
)

// archive lifecycle errors
var (
	ErrNotInitialized = errors.New("archive is not initialized")
	ErrVaultExists    = errors.New("archive is already initialized")
	ErrRecordNotFound = errors.New("record not found")
	ErrThrottled      = errors.New("unlock attempts throttled")
	ErrClosed         = errors.New("archive is closed")

	// ErrNotFound is returned for unknown groups and tags
	ErrNotFound = persist.ErrNotFound
)

// RecordError ties a failure to the record it happened on. It never carries record
// content.
type RecordError struct {
	RecordID uint64
	Op       string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s record %d: %v", e.Op, e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func recordErr(op string, id uint64, err error) error {
	if err == nil {
		return nil
	}
	return &RecordError{RecordID: id, Op: op, Err: err}
}
