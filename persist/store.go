package persist

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyExists is returned when inserting a key locator that is already registered.
	ErrKeyExists = errors.New("key record already exists")

	// ErrKeyNotFound is returned when a key locator has no record.
	ErrKeyNotFound = errors.New("key record not found")

	// ErrTenantNotFound is returned when a tenant database does not exist.
	ErrTenantNotFound = errors.New("tenant database not found")
)

// KeyRecord is the storage shape of one credential bound to one tenant
// database. Every record of a tenant wraps the same master key under a
// different shared secret, which is what makes key shares independently
// revocable. The JSON tags match the wire DTO.
type KeyRecord struct {
	// KeyLocatorHash is the primary key: a salted hash of secret material
	// the server never stores raw, so the server cannot forge it.
	KeyLocatorHash string `json:"keyLocatorHash"`

	// DatabaseIDHash is the salted hash of the tenant identifier.
	DatabaseIDHash string `json:"databaseIdHash"`

	// KeyHash is the memory-hard (Argon2id, PHC-encoded) hash of the shared
	// secret.
	KeyHash string `json:"keyHash"`

	// KeyHashParams persists the hash parameters used for KeyHash so
	// verification survives changes to deployment defaults.
	KeyHashParams string `json:"keyHashParams"`

	// EncryptedMasterKey is the tenant master key wrapped under this
	// holder's shared secret. It is only ever decrypted in memory for the
	// duration of a single request.
	EncryptedMasterKey string `json:"encryptedMasterKey"`

	DisplayName string `json:"displayName,omitempty"`

	// ACL is the raw role + capability JSON, parsed once at the registry
	// boundary.
	ACL string `json:"acl,omitempty"`

	Extra string `json:"extra,omitempty"`

	// ExpiryDate is mandatory and short for temp keys, absent or long for
	// owner and guest keys.
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`

	// Zone partitions the record: "" for standard keys, "enclave" for
	// temporary keys created and destroyed by the enclave protocol.
	Zone string `json:"zone,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// TenantManifest describes a tenant database file at creation time.
type TenantManifest struct {
	DatabaseIDHash string    `json:"databaseIdHash"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatorIP      string    `json:"creatorIp,omitempty"`
	CreatorUA      string    `json:"creatorUa,omitempty"`
}

// RegistryStore persists key records, keyed by databaseIdHash and
// keyLocatorHash. Mutations for one locator rely on the storage engine's own
// transaction discipline; no application-level locking is layered on top.
type RegistryStore interface {

	// Tenants

	// CreateTenant provisions the tenant database file and writes its
	// manifest. Creating an existing tenant is an error.
	CreateTenant(ctx context.Context, databaseIDHash string, manifest TenantManifest) error

	TenantExists(ctx context.Context, databaseIDHash string) (bool, error)

	// DeleteTenant removes the tenant database including every key record.
	// By design this makes the tenant's data permanently unrecoverable.
	DeleteTenant(ctx context.Context, databaseIDHash string) error

	ListTenants(ctx context.Context) ([]string, error)

	// Key records

	// InsertKey adds a new record; ErrKeyExists if the locator is taken.
	InsertKey(ctx context.Context, record KeyRecord) error

	// GetKey resolves a locator; ErrKeyNotFound when absent.
	GetKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (*KeyRecord, error)

	// FindKey resolves a locator without knowing its tenant. Locators are
	// globally unique (they hash the tenant identifier along with the
	// secret), so at most one record matches.
	FindKey(ctx context.Context, keyLocatorHash string) (*KeyRecord, error)

	ListKeys(ctx context.Context, databaseIDHash string) ([]KeyRecord, error)

	// DeleteKey removes a record. A missing record is a safe no-op: it
	// returns false, not an error.
	DeleteKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (bool, error)

	// ReplaceKey atomically swaps one record for another (key rotation:
	// same master key re-wrapped under a new shared secret).
	ReplaceKey(ctx context.Context, databaseIDHash, oldKeyLocatorHash string, record KeyRecord) error

	Close() error
}

// BlobStore persists encrypted attachment payloads per tenant. Payloads are
// opaque AEAD ciphertext produced by the field cipher's binary mode; the
// store never sees plaintext.
type BlobStore interface {
	SaveAttachment(ctx context.Context, databaseIDHash, storageKey string, data []byte) error
	ReadAttachment(ctx context.Context, databaseIDHash, storageKey string) ([]byte, error)

	// DeleteAttachment removes a payload; a missing payload returns false.
	DeleteAttachment(ctx context.Context, databaseIDHash, storageKey string) (bool, error)

	ListAttachments(ctx context.Context, databaseIDHash string) ([]string, error)
}

// StoreConfig selects and parameterizes a storage backend.
type StoreConfig struct {
	// Type must be one of the predefined StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings, e.g. "base_path" for the
	// filesystem backends or bucket credentials for S3.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	// StoreTypeSQL stores key records in one file-backed SQL database per
	// tenant (SQLite via SQLCipher, optionally encrypted at rest).
	StoreTypeSQL StoreType = "sql"

	// StoreTypeFileSystem stores attachment blobs on the local filesystem.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores attachment blobs in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeMemory keeps everything in process memory (tests).
	StoreTypeMemory StoreType = "memory"
)
