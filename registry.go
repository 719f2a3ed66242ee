package dok

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Doctor-One/doctor-dok/audit"
	"github.com/Doctor-One/doctor-dok/persist"
)

// KeyRecord is re-exported so callers of the core API don't need to import
// the storage package for its central type.
type KeyRecord = persist.KeyRecord

// Zone partitions key records by the authorization protocol that manages
// them.
type Zone string

const (
	// ZoneStandard keys authenticate bearer-token requests; the server
	// never holds their master key in the clear.
	ZoneStandard Zone = ""

	// ZoneEnclave keys are exclusively temporary, created and destroyed by
	// the enclave protocol.
	ZoneEnclave Zone = "enclave"
)

// ZoneFromPath derives the authorization zone from a request path. Only
// the /enclave subtree itself counts; a sibling path that merely starts
// with the same characters stays in the standard zone.
func ZoneFromPath(path string) Zone {
	if path == "/enclave" || strings.HasPrefix(path, "/enclave/") {
		return ZoneEnclave
	}
	return ZoneStandard
}

// Registry resolves and mutates key records on top of a RegistryStore. It
// owns the invariants the store cannot express: duplicate rejection, expiry
// checks, keyHash-gated deletion, and the single generic unauthorized
// outcome that avoids a hash-existence side channel.
type Registry struct {
	store persist.RegistryStore
	audit audit.Logger
	clock Clock
}

// NewRegistry builds a registry. A nil audit logger disables audit events;
// a nil clock uses wall time.
func NewRegistry(store persist.RegistryStore, auditLogger audit.Logger, clock Clock) *Registry {
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{store: store, audit: auditLogger, clock: clock}
}

// Store exposes the underlying store for wiring (tenant management, CLI).
func (r *Registry) Store() persist.RegistryStore { return r.store }

// Register inserts a new key record. The locator must be unused
// (ErrDuplicateKey otherwise), and temp-role or enclave-zone records must
// carry a future expiry date.
func (r *Registry) Register(ctx context.Context, record KeyRecord) error {
	if record.KeyLocatorHash == "" || record.DatabaseIDHash == "" ||
		record.KeyHash == "" || record.KeyHashParams == "" || record.EncryptedMasterKey == "" {
		return fmt.Errorf("%w: incomplete key record", ErrRequestFormat)
	}

	acl := ParseACL(record.ACL)
	if acl.Role == RoleTemp || record.Zone == string(ZoneEnclave) {
		if record.ExpiryDate == nil {
			return fmt.Errorf("%w: temporary keys require an expiry date", ErrRequestFormat)
		}
		if !record.ExpiryDate.After(r.clock()) {
			return fmt.Errorf("%w: temporary key expiry is in the past", ErrRequestFormat)
		}
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = r.clock().UTC()
	}

	err := r.store.InsertKey(ctx, record)
	if errors.Is(err, persist.ErrKeyExists) {
		r.logAudit("key_register", record, false, "duplicate locator")
		return ErrDuplicateKey
	}
	if err != nil {
		r.logAudit("key_register", record, false, err.Error())
		return fmt.Errorf("failed to register key: %w", err)
	}
	r.logAudit("key_register", record, true, "")
	return nil
}

// Resolve looks a record up by locator. ErrNotFound when absent.
func (r *Registry) Resolve(ctx context.Context, databaseIDHash, keyLocatorHash string) (*KeyRecord, error) {
	record, err := r.store.GetKey(ctx, databaseIDHash, keyLocatorHash)
	if errors.Is(err, persist.ErrKeyNotFound) || errors.Is(err, persist.ErrTenantNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key: %w", err)
	}
	return record, nil
}

// Validate resolves a record and checks the presented key hash and expiry.
// Every failure - unknown locator, tenant mismatch, hash mismatch, expired
// key - collapses into the same ErrUnauthorized so callers can't distinguish
// which check failed.
func (r *Registry) Validate(ctx context.Context, databaseIDHash, keyLocatorHash, keyHash string) (*KeyRecord, error) {
	record, err := r.Resolve(ctx, databaseIDHash, keyLocatorHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if record.DatabaseIDHash != databaseIDHash || record.KeyHash != keyHash {
		return nil, ErrUnauthorized
	}
	if record.ExpiryDate != nil && !r.clock().Before(*record.ExpiryDate) {
		return nil, ErrUnauthorized
	}
	return record, nil
}

// Revoke deletes a record only when the presented key hash matches, so one
// key holder can never revoke another holder's share by locator alone. A
// missing record is a safe no-op (false, nil) - revocation is idempotent.
// Deleting the last record of a tenant makes its data permanently
// unrecoverable; there is no server-side escrow.
func (r *Registry) Revoke(ctx context.Context, databaseIDHash, keyLocatorHash, keyHash string) (bool, error) {
	record, err := r.Resolve(ctx, databaseIDHash, keyLocatorHash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.KeyHash != keyHash {
		r.logAudit("key_revoke", *record, false, "key hash mismatch")
		return false, ErrUnauthorized
	}
	deleted, err := r.store.DeleteKey(ctx, databaseIDHash, keyLocatorHash)
	if err != nil {
		return false, fmt.Errorf("failed to revoke key: %w", err)
	}
	r.logAudit("key_revoke", *record, deleted, "")
	return deleted, nil
}

// List returns every record of a tenant.
func (r *Registry) List(ctx context.Context, databaseIDHash string) ([]KeyRecord, error) {
	records, err := r.store.ListKeys(ctx, databaseIDHash)
	if errors.Is(err, persist.ErrTenantNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return records, nil
}

// Rotate atomically replaces one key share with a re-wrapped one: the same
// master key under a new shared secret, new locator, new hash. The old
// share's key hash gates the swap. Other shares are untouched.
func (r *Registry) Rotate(ctx context.Context, databaseIDHash, oldKeyLocatorHash, oldKeyHash string, replacement KeyRecord) error {
	old, err := r.Validate(ctx, databaseIDHash, oldKeyLocatorHash, oldKeyHash)
	if err != nil {
		return err
	}
	if replacement.KeyLocatorHash == "" || replacement.KeyHash == "" ||
		replacement.KeyHashParams == "" || replacement.EncryptedMasterKey == "" {
		return fmt.Errorf("%w: incomplete replacement record", ErrRequestFormat)
	}
	replacement.DatabaseIDHash = databaseIDHash
	if replacement.UpdatedAt.IsZero() {
		replacement.UpdatedAt = r.clock().UTC()
	}
	if err = r.store.ReplaceKey(ctx, databaseIDHash, old.KeyLocatorHash, replacement); err != nil {
		r.logAudit("key_rotate", *old, false, err.Error())
		return fmt.Errorf("failed to rotate key: %w", err)
	}
	r.logAudit("key_rotate", replacement, true, "")
	return nil
}

// ACLOf parses a record's ACL column, falling back to the minimal guest ACL.
func (r *Registry) ACLOf(record *KeyRecord) ACL {
	return ParseACL(record.ACL)
}

func (r *Registry) logAudit(action string, record KeyRecord, success bool, reason string) {
	metadata := map[string]interface{}{
		"database_id_hash": record.DatabaseIDHash,
		"key_locator_hash": record.KeyLocatorHash,
		"zone":             record.Zone,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	r.audit.Log(action, success, metadata)
}
