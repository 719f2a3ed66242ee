package dok

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

// ephemeralMaterial is the transient, in-memory-only outcome of a
// successful enclave negotiation. It never touches durable storage.
type ephemeralMaterial struct {
	masterKey              string
	encryptionKey          string
	serverCommunicationKey string
}

// Context is the per-request capability object handed to handlers after
// authorization. It is created fresh per request, exclusively owned by that
// request's handler chain, and never cached or shared.
//
// In the enclave zone it carries the live master key (in a memguard locked
// buffer) and the ephemeral encryption key; in the standard zone both are
// absent - field-level decryption happens client-side.
type Context struct {
	DatabaseIDHash string
	KeyHash        string
	KeyLocatorHash string
	ACL            ACL
	Zone           Zone
	Extra          string

	// RefreshedTokens is set when the single standard-zone refresh attempt
	// succeeded mid-request, so the response can carry the new pair back.
	RefreshedTokens *TokenPair

	encryptionKey          string
	serverCommunicationKey string
	masterKey              *memguard.LockedBuffer

	scratchDir string

	releaseOnce sync.Once
	released    bool
	releaseFn   func(ctx context.Context) bool
}

// HasMasterKey reports whether enclave material is attached and unreleased.
func (c *Context) HasMasterKey() bool {
	return c.masterKey != nil && !c.released
}

// MasterKey returns the tenant master key. Only available inside the
// enclave zone and before release.
func (c *Context) MasterKey() (string, error) {
	if c.masterKey == nil {
		return "", errors.New("master key not available outside the enclave zone")
	}
	if c.released {
		return "", errors.New("master key already released")
	}
	return c.masterKey.String(), nil
}

// EncryptionKey returns the ephemeral shared secret recovered during enclave
// authorization, empty outside the enclave zone.
func (c *Context) EncryptionKey() string { return c.encryptionKey }

// ServerCommunicationKey returns the wrapped ephemeral key exactly as the
// client transmitted it, empty outside the enclave zone.
func (c *Context) ServerCommunicationKey() string { return c.serverCommunicationKey }

// ScratchDir returns the per-request scratch directory, empty when none was
// provisioned. It is removed on release.
func (c *Context) ScratchDir() string { return c.scratchDir }

// ReleaseEphemeral destroys all ephemeral material exactly once: the locked
// master key buffer is wiped, the temporary key record is deleted from the
// registry, and the scratch directory is removed. Safe to call multiple
// times and from deferred paths; outside the enclave zone it is a no-op.
// Returns true when a temporary key record was actually deleted.
func (c *Context) ReleaseEphemeral(ctx context.Context) bool {
	deleted := false
	c.releaseOnce.Do(func() {
		c.released = true
		if c.masterKey != nil {
			c.masterKey.Destroy()
		}
		c.encryptionKey = ""
		c.serverCommunicationKey = ""
		if c.scratchDir != "" {
			os.RemoveAll(c.scratchDir)
		}
		if c.releaseFn != nil {
			deleted = c.releaseFn(ctx)
		}
	})
	return deleted
}

// newContext assembles the capability object from a validated key record
// and optional ephemeral material. The ACL column is parsed here, once;
// downstream code never re-parses it. releaseFn performs the registry-side
// temp key deletion and is nil outside the enclave zone.
func newContext(record *KeyRecord, eph *ephemeralMaterial, scratchDir string, releaseFn func(ctx context.Context) bool) *Context {
	c := &Context{
		DatabaseIDHash: record.DatabaseIDHash,
		KeyHash:        record.KeyHash,
		KeyLocatorHash: record.KeyLocatorHash,
		ACL:            ParseACL(record.ACL),
		Zone:           Zone(record.Zone),
		Extra:          record.Extra,
		scratchDir:     scratchDir,
		releaseFn:      releaseFn,
	}
	if eph != nil {
		c.encryptionKey = eph.encryptionKey
		c.serverCommunicationKey = eph.serverCommunicationKey
		c.masterKey = memguard.NewBufferFromBytes([]byte(eph.masterKey))
	}
	return c
}
