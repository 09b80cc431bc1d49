package tome

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"southwinds.dev/tome/audit"
	"southwinds.dev/tome/internal/mem"
	"southwinds.dev/tome/persist"
	"sync"
)

// Initialize memguard before any archive operation
func init() {
	// wipe protected buffers on SIGINT/SIGTERM
	memguard.CatchInterrupt()
}

// Archive is the ArchiveService implementation on top of a persist.Store
type Archive struct {
	mu      sync.RWMutex
	store   persist.Store
	audit   audit.Logger
	logger  zerolog.Logger
	options Options
	keys    *KeyManager

	// set while unlocked
	contentKey *SecretBuffer
	records    *RecordService
	header     *VaultHeader

	limiter *rate.Limiter

	memoryProtectionLevel mem.ProtectionLevel

	userID string
	closed bool
}

// New creates an archive on store. A nil auditLogger disables the action log. The
// archive starts locked; call Initialize for a new store or Unlock for an existing one.
func New(options Options, store persist.Store, auditLogger audit.Logger) (ArchiveService, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	userID := options.UserID
	if userID == "" {
		userID = "local"
	}

	a := &Archive{
		store:                 store,
		audit:                 auditLogger,
		logger:                options.logger().With().Str("store", store.GetType()).Logger(),
		options:               options,
		keys:                  NewKeyManager(options.KDF, options.logger()),
		memoryProtectionLevel: mem.ProtectionNone,
		userID:                userID,
	}

	if options.UnlockRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(options.UnlockRate), options.UnlockBurst)
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// best effort: buffers are still wiped
			a.logger.Warn().Err(err).Msg("memory lock unavailable")
		}
		a.memoryProtectionLevel = level
	}

	return a, nil
}

func (a *Archive) Initialize(password []byte) error {
	defer memguard.WipeBytes(password)
	requestID := a.newRequestID()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	initialized, err := a.isInitialized()
	if err != nil {
		return err
	}
	if initialized {
		a.logAudit(requestID, ActionVaultInitialize, ErrVaultExists, nil)
		return ErrVaultExists
	}

	material, err := a.keys.CreateVault(password)
	if err != nil {
		a.logAudit(requestID, ActionVaultInitialize, err, nil)
		return fmt.Errorf("failed to create vault: %w", err)
	}

	if err = a.saveHeader(&material.VaultHeader); err != nil {
		a.keys.Lock(material.ContentKey)
		a.logAudit(requestID, ActionVaultInitialize, err, nil)
		return fmt.Errorf("failed to persist vault: %w", err)
	}

	a.setUnlocked(material.ContentKey, &material.VaultHeader)
	a.logAudit(requestID, ActionVaultInitialize, nil, map[string]interface{}{
		"kdf": string(material.KDF.Algorithm),
	})
	a.logger.Info().Str("kdf", string(material.KDF.Algorithm)).Msg("archive initialized")
	return nil
}

func (a *Archive) IsInitialized() (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false, ErrClosed
	}
	return a.isInitialized()
}

func (a *Archive) isInitialized() (bool, error) {
	for _, key := range []string{metaSalt, metaBlob} {
		exists, err := a.store.Exists(key)
		if err != nil {
			return false, fmt.Errorf("failed to check vault metadata: %w", err)
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

func (a *Archive) Unlock(ctx context.Context, password []byte) error {
	defer memguard.WipeBytes(password)
	requestID := a.newRequestID()

	if err := a.throttle(ctx); err != nil {
		a.logAudit(requestID, ActionVaultUnlock, err, nil)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	header, err := a.loadHeader()
	if err != nil {
		a.logAudit(requestID, ActionVaultUnlock, err, nil)
		return err
	}

	// a failed attempt must not leave a previous key usable
	a.lockLocked()

	contentKey, err := a.keys.Unlock(password, *header)
	if err != nil {
		a.logAudit(requestID, ActionVaultUnlock, err, nil)
		a.logger.Debug().Err(err).Msg("unlock failed")
		return err
	}

	a.setUnlocked(contentKey, header)
	a.logAudit(requestID, ActionVaultUnlock, nil, nil)
	return nil
}

func (a *Archive) Lock() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wasUnlocked := a.contentKey != nil
	a.lockLocked()
	if wasUnlocked {
		a.logAudit(a.newRequestID(), ActionVaultLock, nil, nil)
	}
	return nil
}

func (a *Archive) IsUnlocked() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contentKey != nil && !a.contentKey.IsWiped()
}

func (a *Archive) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	defer memguard.WipeBytes(oldPassword)
	defer memguard.WipeBytes(newPassword)
	requestID := a.newRequestID()

	if err := a.throttle(ctx); err != nil {
		a.logAudit(requestID, ActionPasswordChange, err, nil)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	header, err := a.loadHeader()
	if err != nil {
		a.logAudit(requestID, ActionPasswordChange, err, nil)
		return err
	}

	wrapped, err := a.keys.Rewrap(oldPassword, newPassword, *header)
	if err != nil {
		a.logAudit(requestID, ActionPasswordChange, err, nil)
		return err
	}

	if err = a.putMetadataWithRetry(metaBlob, []byte(base64.StdEncoding.EncodeToString(wrapped))); err != nil {
		a.logAudit(requestID, ActionPasswordChange, err, nil)
		return fmt.Errorf("failed to persist wrapped content key: %w", err)
	}

	if a.header != nil {
		a.header.WrappedContentKey = wrapped
	}
	a.logAudit(requestID, ActionPasswordChange, nil, nil)
	return nil
}

// Records

func (a *Archive) CreateRecord(groupID uint64, title string, plaintext []byte) (uint64, error) {
	requestID := a.newRequestID()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return 0, err
	}

	salt, err := NewRecordSalt()
	if err != nil {
		a.logAudit(requestID, ActionRecordCreate, err, nil)
		return 0, fmt.Errorf("failed to generate record salt: %w", err)
	}

	body, err := a.records.EncryptRecord(a.contentKey, salt, plaintext)
	if err != nil {
		a.logAudit(requestID, ActionRecordCreate, err, nil)
		return 0, err
	}

	id, err := a.store.InsertRecord(&persist.Record{
		GroupID: groupID,
		Title:   title,
		Salt:    salt,
		Data:    base64.StdEncoding.EncodeToString(body),
	})
	if err != nil {
		a.logAudit(requestID, ActionRecordCreate, err, map[string]interface{}{"group_id": groupID})
		return 0, fmt.Errorf("failed to store record: %w", err)
	}

	a.logAudit(requestID, ActionRecordCreate, nil, map[string]interface{}{
		audit.MetaRecordID: id,
		"group_id":         groupID,
	})
	a.logger.Debug().Uint64("record_id", id).Int("size", len(body)).Msg("record created")
	return id, nil
}

func (a *Archive) ReadRecord(id uint64) ([]byte, error) {
	requestID := a.newRequestID()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	record, err := a.getRecord("read", id)
	if err != nil {
		a.logAudit(requestID, ActionRecordRead, err, map[string]interface{}{audit.MetaRecordID: id})
		return nil, err
	}

	plaintext, err := a.decryptRecord(record)
	a.logAudit(requestID, ActionRecordRead, err, map[string]interface{}{audit.MetaRecordID: id})
	if err != nil {
		a.logger.Warn().Uint64("record_id", id).Err(err).Msg("record failed to decrypt")
		return nil, recordErr("read", id, err)
	}
	return plaintext, nil
}

func (a *Archive) decryptRecord(record *persist.Record) ([]byte, error) {
	body, err := base64.StdEncoding.DecodeString(record.Data)
	if err != nil {
		// an undecodable body is as damaged as one that fails to authenticate
		return nil, ErrDecryptionFailed
	}
	return a.records.DecryptRecord(a.contentKey, record.Salt, body)
}

func (a *Archive) WriteRecord(id uint64, plaintext []byte) error {
	requestID := a.newRequestID()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	record, err := a.getRecord("write", id)
	if err != nil {
		a.logAudit(requestID, ActionRecordWrite, err, map[string]interface{}{audit.MetaRecordID: id})
		return err
	}

	body, err := a.records.EncryptRecord(a.contentKey, record.Salt, plaintext)
	if err != nil {
		a.logAudit(requestID, ActionRecordWrite, err, map[string]interface{}{audit.MetaRecordID: id})
		return recordErr("write", id, err)
	}

	record.Data = base64.StdEncoding.EncodeToString(body)
	err = a.store.UpdateRecord(record)
	a.logAudit(requestID, ActionRecordWrite, err, map[string]interface{}{audit.MetaRecordID: id})
	return a.mapRecordErr("write", id, err)
}

func (a *Archive) UpdateRecordInfo(id uint64, update RecordUpdate) error {
	requestID := a.newRequestID()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	record, err := a.getRecord("update", id)
	if err != nil {
		a.logAudit(requestID, ActionRecordUpdate, err, map[string]interface{}{audit.MetaRecordID: id})
		return err
	}

	if update.Title != nil {
		record.Title = *update.Title
	}
	if update.Abstract != nil {
		record.Abstract = *update.Abstract
	}
	if update.GroupID != nil {
		record.GroupID = *update.GroupID
	}

	err = a.store.UpdateRecord(record)
	a.logAudit(requestID, ActionRecordUpdate, err, map[string]interface{}{
		audit.MetaRecordID: id,
		"group_id":         record.GroupID,
	})
	if err != nil && errors.Is(err, persist.ErrNotFound) && update.GroupID != nil {
		return fmt.Errorf("group %d: %w", *update.GroupID, ErrNotFound)
	}
	return a.mapRecordErr("update", id, err)
}

func (a *Archive) DeleteRecord(id uint64) error {
	requestID := a.newRequestID()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.DeleteRecord(id)
	a.logAudit(requestID, ActionRecordDelete, err, map[string]interface{}{audit.MetaRecordID: id})
	return a.mapRecordErr("delete", id, err)
}

func (a *Archive) RecordInfo(id uint64) (*RecordInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	record, err := a.getRecord("info", id)
	if err != nil {
		return nil, err
	}
	return toRecordInfo(record), nil
}

func (a *Archive) ListRecords(filter ListFilter) ([]*RecordInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	records, err := a.store.ListRecords(persist.ListOptions{
		GroupID: filter.GroupID,
		TagID:   filter.TagID,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	infos := make([]*RecordInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, toRecordInfo(r))
	}
	return infos, nil
}

func (a *Archive) getRecord(op string, id uint64) (*persist.Record, error) {
	record, err := a.store.GetRecord(id)
	if err != nil {
		return nil, a.mapRecordErr(op, id, err)
	}
	return record, nil
}

// mapRecordErr turns store errors into RecordErrors, not found into ErrRecordNotFound
func (a *Archive) mapRecordErr(op string, id uint64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persist.ErrNotFound) {
		return recordErr(op, id, ErrRecordNotFound)
	}
	return recordErr(op, id, err)
}

func toRecordInfo(r *persist.Record) *RecordInfo {
	return &RecordInfo{
		ID:        r.ID,
		GroupID:   r.GroupID,
		Title:     r.Title,
		Abstract:  r.Abstract,
		Tags:      append([]uint64(nil), r.Tags...),
		Size:      len(r.Data),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Groups

func (a *Archive) CreateGroup(name string) (*Group, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	group, err := a.store.InsertGroup(name)
	metadata := map[string]interface{}{}
	if group != nil {
		metadata["group_id"] = group.ID
	}
	a.logAudit(a.newRequestID(), ActionGroupCreate, err, metadata)
	return group, err
}

func (a *Archive) RenameGroup(id uint64, name string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.RenameGroup(id, name)
	a.logAudit(a.newRequestID(), ActionGroupRename, err, map[string]interface{}{"group_id": id})
	return err
}

func (a *Archive) DeleteGroup(id uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.DeleteGroup(id)
	a.logAudit(a.newRequestID(), ActionGroupDelete, err, map[string]interface{}{"group_id": id})
	return err
}

func (a *Archive) ListGroups() ([]*Group, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}
	return a.store.ListGroups()
}

// Tags

func (a *Archive) CreateTag(name string) (*Tag, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	tag, err := a.store.InsertTag(name)
	metadata := map[string]interface{}{}
	if tag != nil {
		metadata["tag_id"] = tag.ID
	}
	a.logAudit(a.newRequestID(), ActionTagCreate, err, metadata)
	return tag, err
}

func (a *Archive) RenameTag(id uint64, name string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.RenameTag(id, name)
	a.logAudit(a.newRequestID(), ActionTagRename, err, map[string]interface{}{"tag_id": id})
	return err
}

func (a *Archive) DeleteTag(id uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.DeleteTag(id)
	a.logAudit(a.newRequestID(), ActionTagDelete, err, map[string]interface{}{"tag_id": id})
	return err
}

func (a *Archive) ListTags() ([]*Tag, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}
	return a.store.ListTags()
}

func (a *Archive) TagRecord(recordID, tagID uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.LinkTag(recordID, tagID)
	a.logAudit(a.newRequestID(), ActionRecordTag, err, map[string]interface{}{
		audit.MetaRecordID: recordID,
		"tag_id":           tagID,
	})
	return err
}

func (a *Archive) UntagRecord(recordID, tagID uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := a.store.UnlinkTag(recordID, tagID)
	a.logAudit(a.newRequestID(), ActionRecordUntag, err, map[string]interface{}{
		audit.MetaRecordID: recordID,
		"tag_id":           tagID,
	})
	return err
}

// Misc

func (a *Archive) GetAudit() audit.Logger {
	return a.audit
}

func (a *Archive) SecureMemoryProtection() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch a.memoryProtectionLevel {
	case mem.ProtectionFull:
		return "full: process memory locked"
	case mem.ProtectionPartial:
		return "partial: key buffers locked and wiped"
	default:
		return "none: key buffers wiped on lock"
	}
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	var errs []error
	a.lockLocked()
	a.closed = true

	a.logAudit(a.newRequestID(), ActionArchiveClose, nil, nil)
	if err := a.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if a.memoryProtectionLevel == mem.ProtectionFull {
		_ = mem.Unlock()
	}

	return errors.Join(errs...)
}

// state helpers, called with a.mu held

func (a *Archive) requireUnlocked() error {
	if a.closed {
		return ErrClosed
	}
	if a.contentKey == nil || a.contentKey.IsWiped() {
		return ErrVaultLocked
	}
	return nil
}

func (a *Archive) setUnlocked(contentKey *SecretBuffer, header *VaultHeader) {
	a.contentKey = contentKey
	a.header = header
	a.records = NewRecordService(header.KDF)
}

func (a *Archive) lockLocked() {
	if a.contentKey != nil {
		a.keys.Lock(a.contentKey)
	}
	a.contentKey = nil
	a.records = nil
	a.header = nil
}

// throttle waits for an unlock token when throttling is configured
func (a *Archive) throttle(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return nil
}
