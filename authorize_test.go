package dok

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Doctor-One/doctor-dok/persist"
)

// enclaveFixture wires the full enclave protocol the way a client would:
// a master key wrapped under an ephemeral shared secret, the secret's
// Argon2id hash and locator registered as a temporary enclave record, and
// the secret itself wrapped under the current one-time password.
type enclaveFixture struct {
	authorizer *Authorizer
	registry   *Registry
	otp        *OTPManager

	databaseIDHash string
	keyLocatorHash string
	keyHash        string
	masterKey      string
	encryptionKey  string
}

func newEnclaveFixture(t *testing.T, clock Clock) *enclaveFixture {
	t.Helper()

	store := persist.NewMemoryStore()
	registry := NewRegistry(store, nil, clock)
	manager, err := NewOTPManager(OTPConfig{
		Mode:     OTPModeTimeBased,
		Clock:    clock,
		Resolver: fixedSecretResolver([]byte("per-key secret")),
	})
	if err != nil {
		t.Fatalf("failed to create otp manager: %v", err)
	}
	tokens, err := NewTokenIssuer("test-token-secret", 0, 0, clock)
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	f := &enclaveFixture{
		authorizer:     NewAuthorizer(registry, manager, tokens, nil, nil),
		registry:       registry,
		otp:            manager,
		databaseIDHash: DeriveTenantHash("tenant-1", DefaultTenantHashSalt),
		keyLocatorHash: DeriveLocatorHash("ephemeral-secret", "tenant-1", DefaultLocatorHashSalt),
		masterKey:      "master-key-material",
		encryptionKey:  "ephemeral-secret",
	}

	params, err := DefaultHashParams()
	if err != nil {
		t.Fatalf("failed to generate hash params: %v", err)
	}
	f.keyHash, err = DeriveAuthHash(f.encryptionKey, params)
	if err != nil {
		t.Fatalf("failed to derive key hash: %v", err)
	}
	encodedParams, err := params.Encode()
	if err != nil {
		t.Fatalf("failed to encode hash params: %v", err)
	}

	wrapper, err := NewCipher(f.encryptionKey)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	encryptedMasterKey, err := wrapper.EncryptString(f.masterKey)
	if err != nil {
		t.Fatalf("failed to wrap master key: %v", err)
	}

	expiry := clock().Add(10 * time.Minute)
	err = registry.Register(context.Background(), KeyRecord{
		KeyLocatorHash:     f.keyLocatorHash,
		DatabaseIDHash:     f.databaseIDHash,
		KeyHash:            f.keyHash,
		KeyHashParams:      encodedParams,
		EncryptedMasterKey: encryptedMasterKey,
		ACL:                ACL{Role: RoleTemp, Features: []Capability{"attachments"}}.Encode(),
		ExpiryDate:         &expiry,
		Zone:               string(ZoneEnclave),
	})
	if err != nil {
		t.Fatalf("failed to register enclave key: %v", err)
	}
	return f
}

// request builds the enclave request the client would send: the ephemeral
// secret wrapped under the current one-time password, plus the three hashes.
func (f *enclaveFixture) request(t *testing.T) *http.Request {
	t.Helper()
	otp, err := f.otp.GetOrGenerateOTP(context.Background(), f.keyLocatorHash)
	if err != nil {
		t.Fatalf("failed to generate otp: %v", err)
	}
	wrapped, err := EncryptStringWith(f.encryptionKey, otp)
	if err != nil {
		t.Fatalf("failed to wrap ephemeral key: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/enclave/attachment/report", nil)
	r.Header.Set(HeaderDatabaseIDHash, f.databaseIDHash)
	r.Header.Set(HeaderKeyLocatorHash, f.keyLocatorHash)
	r.Header.Set(HeaderKeyHash, f.keyHash)
	r.Header.Set(HeaderEncryptionKey, wrapped)
	return r
}

func TestEnclaveAuthorizationLifecycle(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	f := newEnclaveFixture(t, func() time.Time { return now })

	var seen string
	err := f.authorizer.InEnclave(f.request(t), func(cctx *Context) error {
		if cctx.Zone != ZoneEnclave {
			t.Errorf("expected enclave zone, got %q", cctx.Zone)
		}
		if cctx.EncryptionKey() != f.encryptionKey {
			t.Error("ephemeral key was not recovered")
		}
		if !cctx.ACL.HasFeature("attachments") {
			t.Error("acl was not carried into the context")
		}
		masterKey, err := cctx.MasterKey()
		if err != nil {
			return err
		}
		seen = masterKey
		return nil
	})
	if err != nil {
		t.Fatalf("enclave authorization failed: %v", err)
	}
	if seen != f.masterKey {
		t.Errorf("unwrapped master key mismatch: %q", seen)
	}

	// The temporary record is consumed on release; replaying the same
	// credentials must fail.
	if _, err := f.registry.Resolve(context.Background(), f.databaseIDHash, f.keyLocatorHash); !errors.Is(err, ErrNotFound) {
		t.Error("temporary key record must be deleted on release")
	}
	if err := f.authorizer.InEnclave(f.request(t), func(*Context) error { return nil }); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("replay must be unauthorized, got %v", err)
	}
}

func TestEnclaveReleaseOnHandlerError(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	f := newEnclaveFixture(t, func() time.Time { return now })

	handlerErr := errors.New("handler failed")
	var captured *Context
	err := f.authorizer.InEnclave(f.request(t), func(cctx *Context) error {
		captured = cctx
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("handler error not propagated: %v", err)
	}
	if captured.HasMasterKey() {
		t.Error("master key must be destroyed after the handler returns")
	}
	if _, err := f.registry.Resolve(context.Background(), f.databaseIDHash, f.keyLocatorHash); !errors.Is(err, ErrNotFound) {
		t.Error("temporary key record must be deleted even when the handler errors")
	}
}

func TestEnclaveRejections(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	t.Run("missing parameter", func(t *testing.T) {
		f := newEnclaveFixture(t, func() time.Time { return now })
		r := f.request(t)
		r.Header.Del(HeaderEncryptionKey)
		_, err := f.authorizer.Authorize(r, ZoneEnclave)
		if !errors.Is(err, ErrRequestFormat) {
			t.Errorf("missing parameter must be a format error, got %v", err)
		}
	})

	t.Run("query parameter fallback", func(t *testing.T) {
		f := newEnclaveFixture(t, func() time.Time { return now })
		r := f.request(t)
		q := r.URL.Query()
		q.Set("encr", r.Header.Get(HeaderEncryptionKey))
		r.URL.RawQuery = q.Encode()
		r.Header.Del(HeaderEncryptionKey)
		cctx, err := f.authorizer.Authorize(r, ZoneEnclave)
		if err != nil {
			t.Fatalf("query fallback rejected: %v", err)
		}
		cctx.ReleaseEphemeral(context.Background())
	})

	t.Run("tampered wrapped key", func(t *testing.T) {
		f := newEnclaveFixture(t, func() time.Time { return now })
		r := f.request(t)
		r.Header.Set(HeaderEncryptionKey, "AAAA"+r.Header.Get(HeaderEncryptionKey)[4:])
		if _, err := f.authorizer.Authorize(r, ZoneEnclave); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("tampered wrapped key must be unauthorized, got %v", err)
		}
	})

	t.Run("wrong key hash", func(t *testing.T) {
		f := newEnclaveFixture(t, func() time.Time { return now })
		r := f.request(t)
		r.Header.Set(HeaderKeyHash, "$argon2id$v=19$m=65536,t=2,p=1$c2FsdA$d3Jvbmc")
		if _, err := f.authorizer.Authorize(r, ZoneEnclave); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("wrong key hash must be unauthorized, got %v", err)
		}
	})

	t.Run("expired record", func(t *testing.T) {
		clock := now
		f := newEnclaveFixture(t, func() time.Time { return clock })
		r := f.request(t)
		clock = clock.Add(time.Hour)
		if _, err := f.authorizer.Authorize(r, ZoneEnclave); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expired record must be unauthorized, got %v", err)
		}
	})

	t.Run("standard key cannot enter the enclave", func(t *testing.T) {
		f := newEnclaveFixture(t, func() time.Time { return now })
		standard := testRecord(f.databaseIDHash, "standard-locator")
		standard.KeyHash = f.keyHash
		if err := f.registry.Register(context.Background(), standard); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		r := f.request(t)
		r.Header.Set(HeaderKeyLocatorHash, "standard-locator")
		if _, err := f.authorizer.Authorize(r, ZoneEnclave); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("standard-zone key must be rejected by the enclave, got %v", err)
		}
	})
}

func TestStandardAuthorization(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := persist.NewMemoryStore()
	registry := NewRegistry(store, nil, clock)
	tokens, _ := NewTokenIssuer("test-token-secret", 15*time.Minute, 8*time.Hour, clock)
	manager, _ := NewOTPManager(OTPConfig{Mode: OTPModeStorage, Clock: clock})
	authorizer := NewAuthorizer(registry, manager, tokens, nil, nil)

	record := testRecord("db1", "loc1")
	if err := registry.Register(context.Background(), record); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	pair, err := tokens.Issue(&record)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	t.Run("valid bearer token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		cctx, err := authorizer.Authorize(r, ZoneStandard)
		if err != nil {
			t.Fatalf("authorization failed: %v", err)
		}
		if cctx.DatabaseIDHash != "db1" || cctx.Zone != ZoneStandard {
			t.Errorf("unexpected context: %+v", cctx)
		}
		if cctx.HasMasterKey() {
			t.Error("standard zone must never carry a master key")
		}
		if cctx.RefreshedTokens != nil {
			t.Error("no refresh happened, RefreshedTokens must be nil")
		}
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
		if _, err := authorizer.Authorize(r, ZoneStandard); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("expired access token refreshes once", func(t *testing.T) {
		now = now.Add(20 * time.Minute)
		defer func() { now = now.Add(-20 * time.Minute) }()

		r := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		r.Header.Set(HeaderRefreshToken, pair.RefreshToken)
		cctx, err := authorizer.Authorize(r, ZoneStandard)
		if err != nil {
			t.Fatalf("refresh path failed: %v", err)
		}
		if cctx.RefreshedTokens == nil {
			t.Fatal("refreshed token pair must be attached to the context")
		}
		if cctx.RefreshedTokens.AccessToken == pair.AccessToken {
			t.Error("refreshed access token must be new")
		}
	})

	t.Run("expired access token without refresh header", func(t *testing.T) {
		now = now.Add(20 * time.Minute)
		defer func() { now = now.Add(-20 * time.Minute) }()

		r := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		if _, err := authorizer.Authorize(r, ZoneStandard); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("revoked record invalidates a live token", func(t *testing.T) {
		if _, err := registry.Revoke(context.Background(), "db1", "loc1", record.KeyHash); err != nil {
			t.Fatalf("revoke failed: %v", err)
		}
		r := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		if _, err := authorizer.Authorize(r, ZoneStandard); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized after revocation, got %v", err)
		}
	})
}

func TestIsUnauthorized(t *testing.T) {
	if !IsUnauthorized(ErrUnauthorized) {
		t.Error("ErrUnauthorized must map to 401")
	}
	if !IsUnauthorized(ErrDecryption) {
		t.Error("decryption failures must map to 401, not a distinct class")
	}
	if IsUnauthorized(ErrNotFound) {
		t.Error("ErrNotFound must not map to 401")
	}
}
