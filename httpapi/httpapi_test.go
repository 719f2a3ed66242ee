package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/persist"
)

type testServer struct {
	svc    *dok.Service
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc, err := dok.NewService(dok.Options{
		Registry:    persist.StoreConfig{Type: persist.StoreTypeMemory},
		Blobs:       persist.StoreConfig{Type: persist.StoreTypeMemory},
		TokenSecret: "test-token-secret",
	}, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return &testServer{svc: svc, router: NewRouter(svc, zerolog.Nop())}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, r)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, payload interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	return ts.do(t, method, path, body, header)
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) ApiResult {
	t.Helper()
	var result ApiResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return result
}

func ownerRecord(databaseIDHash, locator string) dok.KeyRecord {
	return dok.KeyRecord{
		KeyLocatorHash:     locator,
		DatabaseIDHash:     databaseIDHash,
		KeyHash:            "$argon2id$v=19$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		KeyHashParams:      `{"salt":"c2FsdA","time":2,"mem":65536,"hashLen":32,"parallelism":1}`,
		EncryptedMasterKey: "d3JhcHBlZA==",
	}
}

// bootstrap creates a tenant with its owner key and logs in, returning the
// token pair.
func (ts *testServer) bootstrap(t *testing.T, databaseIDHash string) (dok.KeyRecord, *dok.TokenPair) {
	t.Helper()
	record := ownerRecord(databaseIDHash, databaseIDHash+"-owner")

	w := ts.doJSON(t, http.MethodPost, "/api/db/create", map[string]interface{}{"record": record}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create database failed: %d %s", w.Code, w.Body.String())
	}

	w = ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
		"databaseIdHash": record.DatabaseIDHash,
		"keyLocatorHash": record.KeyLocatorHash,
		"keyHash":        record.KeyHash,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authorize failed: %d %s", w.Code, w.Body.String())
	}

	var result struct {
		Data struct {
			AccessToken  string  `json:"accessToken"`
			RefreshToken string  `json:"refreshToken"`
			ACL          dok.ACL `json:"acl"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode authorize response: %v", err)
	}
	return record, &dok.TokenPair{
		AccessToken:  result.Data.AccessToken,
		RefreshToken: result.Data.RefreshToken,
	}
}

func bearer(pair *dok.TokenPair) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+pair.AccessToken)
	return h
}

func TestCreateLoginListFlow(t *testing.T) {
	ts := newTestServer(t)
	record, pair := ts.bootstrap(t, "db1")

	// A second create for the same tenant is a 400.
	w := ts.doJSON(t, http.MethodPost, "/api/db/create", map[string]interface{}{"record": record}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate tenant: expected 400, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/keys", nil, bearer(pair))
	if w.Code != http.StatusOK {
		t.Fatalf("list keys failed: %d %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("encryptedMasterKey")) {
		t.Error("list response must not expose wrapped master keys")
	}
	var result struct {
		Data []map[string]interface{} `json:"data"`
	}
	json.NewDecoder(w.Body).Decode(&result)
	if len(result.Data) != 1 {
		t.Errorf("expected 1 key, got %d", len(result.Data))
	}
}

func TestUnauthorizedResponsesAreUniform(t *testing.T) {
	ts := newTestServer(t)
	record, _ := ts.bootstrap(t, "db1")

	wrongHash := ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
		"databaseIdHash": record.DatabaseIDHash,
		"keyLocatorHash": record.KeyLocatorHash,
		"keyHash":        "$argon2id$v=19$m=65536,t=2,p=1$c2FsdA$d3Jvbmc",
	}, nil)
	unknownLocator := ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
		"databaseIdHash": record.DatabaseIDHash,
		"keyLocatorHash": "no-such-locator",
		"keyHash":        record.KeyHash,
	}, nil)

	if wrongHash.Code != http.StatusUnauthorized || unknownLocator.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", wrongHash.Code, unknownLocator.Code)
	}
	// The two failure modes must be indistinguishable on the wire.
	if wrongHash.Body.String() != unknownLocator.Body.String() {
		t.Errorf("401 bodies differ: %q vs %q", wrongHash.Body.String(), unknownLocator.Body.String())
	}
}

func TestRequestFormatErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing field", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
			"databaseIdHash": "db1",
		}, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
			"databaseIdHash": "db1",
			"keyLocatorHash": "loc",
			"keyHash":        "hash",
			"surprise":       "x",
		}, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/authorize", []byte("{nope"), nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestTenantHeaderMismatchIsRejected(t *testing.T) {
	ts := newTestServer(t)
	_, pair := ts.bootstrap(t, "db1")

	h := bearer(pair)
	h.Set(dok.HeaderDatabaseIDHash, "other-tenant")
	w := ts.do(t, http.MethodGet, "/api/keys", nil, h)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 on tenant mismatch, got %d", w.Code)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	_, pair := ts.bootstrap(t, "db1")
	payload := []byte("opaque client-side ciphertext")

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	w := ts.do(t, http.MethodPut, "/api/attachment/att-1", payload, bearer(pair))
	if w.Code != http.StatusOK {
		t.Fatalf("put failed: %d %s", w.Code, w.Body.String())
	}
	var putResult struct {
		Data map[string]string `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&putResult); err != nil {
		t.Fatalf("failed to decode put response: %v", err)
	}
	if putResult.Data["checksum"] != checksum {
		t.Errorf("put must echo the stored checksum, got %q", putResult.Data["checksum"])
	}

	w = ts.do(t, http.MethodGet, "/api/attachment/att-1", nil, bearer(pair))
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Error("stored ciphertext must come back byte-identical")
	}
	if got := w.Header().Get("X-Content-Checksum"); got != checksum {
		t.Errorf("get must carry the content checksum, got %q", got)
	}

	t.Run("empty body is a format error", func(t *testing.T) {
		w := ts.do(t, http.MethodPut, "/api/attachment/att-2", nil, bearer(pair))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unauthenticated access", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/attachment/att-1", nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	w = ts.do(t, http.MethodDelete, "/api/attachment/att-1", nil, bearer(pair))
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/attachment/att-1", nil, bearer(pair))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, pair := ts.bootstrap(t, "db1")

	w := ts.doJSON(t, http.MethodPost, "/api/refresh", map[string]string{"refreshToken": pair.RefreshToken}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d %s", w.Code, w.Body.String())
	}

	w = ts.doJSON(t, http.MethodPost, "/api/refresh", map[string]string{"refreshToken": "garbage"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad refresh token, got %d", w.Code)
	}
}

// TestEnclaveAttachmentDecrypt exercises the whole enclave round trip over
// HTTP: a stored attachment encrypted under the tenant master key, a
// temporary enclave key share wrapping that master key, and a one-shot
// decrypt request carrying the OTP-wrapped ephemeral secret.
func TestEnclaveAttachmentDecrypt(t *testing.T) {
	ts := newTestServer(t)
	ts.bootstrap(t, "db1")

	masterKey := "tenant-master-key"
	encryptionKey := "ephemeral-secret"
	plaintext := []byte("scanned lab report")

	// Attachment encrypted under the master key, stored as opaque bytes.
	masterCipher, err := dok.NewCipher(masterKey)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := masterCipher.EncryptBytes(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.svc.Blobs().SaveAttachment(context.Background(), "db1", "report", ciphertext); err != nil {
		t.Fatal(err)
	}

	// Temporary enclave key share wrapping the master key.
	params, err := dok.DefaultHashParams()
	if err != nil {
		t.Fatal(err)
	}
	keyHash, err := dok.DeriveAuthHash(encryptionKey, params)
	if err != nil {
		t.Fatal(err)
	}
	encodedParams, err := params.Encode()
	if err != nil {
		t.Fatal(err)
	}
	wrapper, err := dok.NewCipher(encryptionKey)
	if err != nil {
		t.Fatal(err)
	}
	encryptedMasterKey, err := wrapper.EncryptString(masterKey)
	if err != nil {
		t.Fatal(err)
	}
	expiry := time.Now().Add(10 * time.Minute)
	locator := "enclave-locator"
	err = ts.svc.Registry().Register(context.Background(), dok.KeyRecord{
		KeyLocatorHash:     locator,
		DatabaseIDHash:     "db1",
		KeyHash:            keyHash,
		KeyHashParams:      encodedParams,
		EncryptedMasterKey: encryptedMasterKey,
		ACL:                dok.ACL{Role: dok.RoleTemp, Features: []dok.Capability{"attachments"}}.Encode(),
		ExpiryDate:         &expiry,
		Zone:               string(dok.ZoneEnclave),
	})
	if err != nil {
		t.Fatal(err)
	}

	otp, err := ts.svc.OTP().GetOrGenerateOTP(context.Background(), locator)
	if err != nil {
		t.Fatal(err)
	}
	otpCipher, err := dok.NewCipher(otp)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := otpCipher.EncryptString(encryptionKey)
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{}
	header.Set(dok.HeaderDatabaseIDHash, "db1")
	header.Set(dok.HeaderKeyLocatorHash, locator)
	header.Set(dok.HeaderKeyHash, keyHash)
	header.Set(dok.HeaderEncryptionKey, wrapped)

	w := ts.do(t, http.MethodPost, "/enclave/attachment/report", nil, header)
	if w.Code != http.StatusOK {
		t.Fatalf("enclave decrypt failed: %d %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), plaintext) {
		t.Error("enclave response must be the decrypted plaintext")
	}

	// The temporary share is consumed; a replay of the same request is a
	// generic 401.
	w = ts.do(t, http.MethodPost, "/enclave/attachment/report", nil, header)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replay: expected 401, got %d", w.Code)
	}
	result := decodeResult(t, w)
	if result.Message != "Unauthorized" {
		t.Errorf("401 body must stay generic, got %q", result.Message)
	}
}

func TestEnclaveMissingParameterIs400(t *testing.T) {
	ts := newTestServer(t)
	h := http.Header{}
	h.Set(dok.HeaderDatabaseIDHash, "db1")
	w := ts.do(t, http.MethodPost, "/enclave/attachment/report", nil, h)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// TestAttachmentCapabilityGate verifies that the role alone does not grant
// attachment access: the key's feature set must name it.
func TestAttachmentCapabilityGate(t *testing.T) {
	ts := newTestServer(t)
	_, ownerPair := ts.bootstrap(t, "db1")

	registerAndLogin := func(t *testing.T, locator string, acl dok.ACL) *dok.TokenPair {
		t.Helper()
		record := ownerRecord("db1", locator)
		record.KeyHash = record.KeyHash + "-" + locator
		record.ACL = acl.Encode()

		w := ts.doJSON(t, http.MethodPut, "/api/keys", record, bearer(ownerPair))
		if w.Code != http.StatusOK {
			t.Fatalf("register key failed: %d %s", w.Code, w.Body.String())
		}
		w = ts.doJSON(t, http.MethodPost, "/api/authorize", map[string]string{
			"databaseIdHash": record.DatabaseIDHash,
			"keyLocatorHash": record.KeyLocatorHash,
			"keyHash":        record.KeyHash,
		}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("authorize failed: %d %s", w.Code, w.Body.String())
		}
		var result struct {
			Data struct {
				AccessToken  string `json:"accessToken"`
				RefreshToken string `json:"refreshToken"`
			} `json:"data"`
		}
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode authorize response: %v", err)
		}
		return &dok.TokenPair{AccessToken: result.Data.AccessToken, RefreshToken: result.Data.RefreshToken}
	}

	payload := []byte("opaque ciphertext")
	w := ts.do(t, http.MethodPut, "/api/attachment/att-1", payload, bearer(ownerPair))
	if w.Code != http.StatusOK {
		t.Fatalf("owner put failed: %d %s", w.Code, w.Body.String())
	}

	t.Run("featureless key is rejected", func(t *testing.T) {
		pair := registerAndLogin(t, "db1-bare", dok.ACL{Role: dok.RoleGuest})

		for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
			w := ts.do(t, method, "/api/attachment/att-1", payload, bearer(pair))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("%s: expected 401, got %d", method, w.Code)
				continue
			}
			result := decodeResult(t, w)
			if result.Message != "Unauthorized" {
				t.Errorf("%s: 401 body must stay generic, got %q", method, result.Message)
			}
		}

		// The key still authenticates where no feature gate applies.
		w := ts.do(t, http.MethodGet, "/api/keys", nil, bearer(pair))
		if w.Code != http.StatusOK {
			t.Errorf("list keys: expected 200, got %d", w.Code)
		}
	})

	t.Run("named feature grants access", func(t *testing.T) {
		pair := registerAndLogin(t, "db1-reader", dok.ACL{
			Role:     dok.RoleGuest,
			Features: []dok.Capability{dok.CapabilityAttachments},
		})
		w := ts.do(t, http.MethodGet, "/api/attachment/att-1", nil, bearer(pair))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d %s", w.Code, w.Body.String())
		}
	})
}

// TestEnclaveRequiresAttachmentFeature covers the enclave side of the gate:
// a temporary share that authorizes correctly but whose feature set does not
// include attachments cannot trigger a server-side decrypt.
func TestEnclaveRequiresAttachmentFeature(t *testing.T) {
	ts := newTestServer(t)
	ts.bootstrap(t, "db1")

	encryptionKey := "ephemeral-secret"
	params, err := dok.DefaultHashParams()
	if err != nil {
		t.Fatal(err)
	}
	keyHash, err := dok.DeriveAuthHash(encryptionKey, params)
	if err != nil {
		t.Fatal(err)
	}
	encodedParams, err := params.Encode()
	if err != nil {
		t.Fatal(err)
	}
	encryptedMasterKey, err := dok.EncryptStringWith("tenant-master-key", encryptionKey)
	if err != nil {
		t.Fatal(err)
	}
	expiry := time.Now().Add(10 * time.Minute)
	locator := "enclave-bare"
	err = ts.svc.Registry().Register(context.Background(), dok.KeyRecord{
		KeyLocatorHash:     locator,
		DatabaseIDHash:     "db1",
		KeyHash:            keyHash,
		KeyHashParams:      encodedParams,
		EncryptedMasterKey: encryptedMasterKey,
		ACL:                dok.ACL{Role: dok.RoleTemp}.Encode(),
		ExpiryDate:         &expiry,
		Zone:               string(dok.ZoneEnclave),
	})
	if err != nil {
		t.Fatal(err)
	}

	otp, err := ts.svc.OTP().GetOrGenerateOTP(context.Background(), locator)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := dok.EncryptStringWith(encryptionKey, otp)
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{}
	header.Set(dok.HeaderDatabaseIDHash, "db1")
	header.Set(dok.HeaderKeyLocatorHash, locator)
	header.Set(dok.HeaderKeyHash, keyHash)
	header.Set(dok.HeaderEncryptionKey, wrapped)

	w := ts.do(t, http.MethodPost, "/enclave/attachment/report", nil, header)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", w.Code, w.Body.String())
	}
	result := decodeResult(t, w)
	if result.Message != "Unauthorized" {
		t.Errorf("401 body must stay generic, got %q", result.Message)
	}
}
