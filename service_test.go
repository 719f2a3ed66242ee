package dok

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Doctor-One/doctor-dok/persist"
)

func newMemoryService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Registry:    persist.StoreConfig{Type: persist.StoreTypeMemory},
		Blobs:       persist.StoreConfig{Type: persist.StoreTypeMemory},
		TokenSecret: "test-token-secret",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Options{DataPath: t.TempDir()}, nil)
	assert.Error(t, err, "missing token secret must be rejected")

	_, err = NewService(Options{TokenSecret: "s"}, nil)
	assert.Error(t, err, "missing data path and registry must be rejected")
}

func TestNewServiceDefaultStores(t *testing.T) {
	dataPath := t.TempDir()
	svc, err := NewService(Options{
		DataPath:    dataPath,
		TokenSecret: "test-token-secret",
	}, nil)
	require.NoError(t, err)
	defer svc.Close()

	// DataPath seeds both default backends.
	opts := svc.Options()
	assert.Equal(t, persist.StoreTypeSQL, opts.Registry.Type)
	assert.Equal(t, persist.StoreTypeFileSystem, opts.Blobs.Type)
	assert.Equal(t, dataPath, opts.Registry.Config["base_path"])

	// The locator index lives under the data path.
	assert.FileExists(t, filepath.Join(dataPath, "index.sqlite"))
}

func TestServiceCreateDatabaseAndLogin(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	record := testRecord("db1", "loc1")
	record.ACL = "" // the service fills in the owner ACL
	require.NoError(t, svc.CreateDatabase(ctx, record, persist.TenantManifest{}))

	err := svc.CreateDatabase(ctx, record, persist.TenantManifest{})
	assert.ErrorIs(t, err, ErrDuplicateKey, "re-creating a tenant")

	stored, err := svc.Registry().Resolve(ctx, "db1", "loc1")
	require.NoError(t, err)
	acl := svc.Registry().ACLOf(stored)
	assert.Equal(t, RoleOwner, acl.Role)
	assert.True(t, acl.HasFeature("anything"), "default owner acl carries the wildcard")

	pair, got, err := svc.Login(ctx, "db1", "loc1", record.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "loc1", got.KeyLocatorHash)
	assert.NotEmpty(t, pair.AccessToken)

	_, _, err = svc.Login(ctx, "db1", "loc1", "wrong-hash")
	assert.ErrorIs(t, err, ErrUnauthorized)

	refreshed, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)

	_, err = svc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceRefreshRejectsRevokedKey(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	record := testRecord("db1", "loc1")
	require.NoError(t, svc.CreateDatabase(ctx, record, persist.TenantManifest{}))
	pair, _, err := svc.Login(ctx, "db1", "loc1", record.KeyHash)
	require.NoError(t, err)

	deleted, err := svc.Registry().Revoke(ctx, "db1", "loc1", record.KeyHash)
	require.NoError(t, err)
	require.True(t, deleted)

	// The token still carries a valid signature; the registry check must
	// reject it anyway.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceOTPResolverDerivesFromRecord(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	record := testRecord("db1", "loc1")
	expiry := time.Now().Add(time.Hour)
	record.ExpiryDate = &expiry
	record.Zone = string(ZoneEnclave)
	record.ACL = ACL{Role: RoleTemp}.Encode()
	require.NoError(t, svc.CreateDatabase(ctx, record, persist.TenantManifest{}))

	otp, err := svc.OTP().GetOrGenerateOTP(ctx, "loc1")
	require.NoError(t, err)
	assert.NotEmpty(t, otp)

	// An unknown locator has no record to derive the secret from.
	_, err = svc.OTP().GetOrGenerateOTP(ctx, "absent")
	assert.Error(t, err)
}
