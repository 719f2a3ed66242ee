package dok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Doctor-One/doctor-dok/audit"
)

// Request surface of the two zones: header names with their
// query-parameter fallbacks.
const (
	HeaderDatabaseIDHash = "Database-Id-Hash"
	HeaderKeyLocatorHash = "Key-Locator-Hash"
	HeaderKeyHash        = "Key-Hash"
	HeaderEncryptionKey  = "Encryption-Key"
	HeaderRefreshToken   = "Refresh-Token"

	queryDatabaseIDHash = "dbid"
	queryKeyLocatorHash = "klh"
	queryKeyHash        = "kh"
	queryEncryptionKey  = "encr"
	queryToken          = "token"
)

// EnclaveRequest carries the four mandatory enclave authorization
// parameters. They arrive as explicit headers or query parameters, never
// inside a bearer token - the enclave zone does not authenticate via JWT.
type EnclaveRequest struct {
	DatabaseIDHash         string
	KeyLocatorHash         string
	KeyHash                string
	TimeBasedEncryptionKey string
}

// ParseEnclaveRequest extracts the enclave parameters from headers, falling
// back to query parameters. A missing parameter is a request-format error
// (400), deliberately distinguishable from an authorization failure (401).
func ParseEnclaveRequest(r *http.Request) (*EnclaveRequest, error) {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	req := &EnclaveRequest{
		DatabaseIDHash:         pick(HeaderDatabaseIDHash, queryDatabaseIDHash),
		KeyLocatorHash:         pick(HeaderKeyLocatorHash, queryKeyLocatorHash),
		KeyHash:                pick(HeaderKeyHash, queryKeyHash),
		TimeBasedEncryptionKey: pick(HeaderEncryptionKey, queryEncryptionKey),
	}
	if req.DatabaseIDHash == "" || req.KeyLocatorHash == "" || req.KeyHash == "" || req.TimeBasedEncryptionKey == "" {
		return nil, fmt.Errorf("%w: missing required parameters: databaseIdHash, keyLocatorHash, keyHash, timeBasedEncryptionKey", ErrRequestFormat)
	}
	return req, nil
}

// ScratchProvider returns the base scratch directory for a tenant; the
// authorizer creates a unique per-request subdirectory underneath. Nil
// disables scratch provisioning.
type ScratchProvider func(databaseIDHash string) (string, error)

// Authorizer implements both authorization protocols and is the single
// entry point handlers use: Authorize(request, zone).
type Authorizer struct {
	registry *Registry
	otp      *OTPManager
	tokens   *TokenIssuer
	audit    audit.Logger
	scratch  ScratchProvider
}

// NewAuthorizer wires the protocol components together.
func NewAuthorizer(registry *Registry, otp *OTPManager, tokens *TokenIssuer, auditLogger audit.Logger, scratch ScratchProvider) *Authorizer {
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}
	return &Authorizer{
		registry: registry,
		otp:      otp,
		tokens:   tokens,
		audit:    auditLogger,
		scratch:  scratch,
	}
}

// Authorize authenticates a request for the given zone and returns the
// per-request capability context. Failures surface as ErrUnauthorized
// (generic, oracle-free) or ErrRequestFormat (missing parameters).
func (a *Authorizer) Authorize(r *http.Request, zone Zone) (*Context, error) {
	if zone == ZoneEnclave {
		return a.authorizeEnclave(r)
	}
	return a.authorizeStandard(r)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get(queryToken)
}

// authorizeStandard implements the bearer-token flow. The token signature
// is verified and the embedded claims are re-validated against the registry
// on every request. An expired access token gets exactly one refresh
// attempt from the Refresh-Token header; a second failure is terminal for
// the request.
func (a *Authorizer) authorizeStandard(r *http.Request) (*Context, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrUnauthorized
	}

	var refreshed *TokenPair
	claims, expired, err := a.tokens.VerifyAccess(token)
	if err != nil {
		if !expired {
			a.audit.Log("authorize_standard", false, map[string]interface{}{"reason": "invalid token"})
			return nil, ErrUnauthorized
		}
		// Single refresh attempt; never loop.
		refreshToken := r.Header.Get(HeaderRefreshToken)
		if refreshToken == "" {
			return nil, ErrUnauthorized
		}
		claims, err = a.tokens.VerifyRefresh(refreshToken)
		if err != nil {
			a.audit.Log("authorize_standard", false, map[string]interface{}{"reason": "refresh failed"})
			return nil, ErrUnauthorized
		}
	}

	record, err := a.registry.Validate(r.Context(), claims.DatabaseIDHash, claims.KeyLocatorHash, claims.KeyHash)
	if err != nil {
		a.audit.Log("authorize_standard", false, map[string]interface{}{
			"database_id_hash": claims.DatabaseIDHash,
			"key_locator_hash": claims.KeyLocatorHash,
		})
		return nil, ErrUnauthorized
	}

	if expired {
		refreshed, err = a.tokens.Issue(record)
		if err != nil {
			return nil, fmt.Errorf("failed to issue refreshed tokens: %w", err)
		}
	}

	// Standard zone: the plaintext master key is never available
	// server-side; decryption happens client-side.
	cctx := newContext(record, nil, "", nil)
	cctx.RefreshedTokens = refreshed
	return cctx, nil
}

// authorizeEnclave implements the temporary server-side decryption flow:
// validate the temp key, recompute its OTP, unwrap the client-supplied
// ephemeral secret, unwrap the master key, and re-verify the ephemeral
// secret against the stored Argon2id hash so a forged or garbage
// decryption can never succeed silently. Any failure fails closed with no
// material exposed.
func (a *Authorizer) authorizeEnclave(r *http.Request) (*Context, error) {
	req, err := ParseEnclaveRequest(r)
	if err != nil {
		return nil, err
	}

	record, err := a.registry.Validate(r.Context(), req.DatabaseIDHash, req.KeyLocatorHash, req.KeyHash)
	if err != nil {
		a.logEnclave(req, false, "key validation failed")
		return nil, ErrUnauthorized
	}
	if Zone(record.Zone) != ZoneEnclave || record.ExpiryDate == nil {
		a.logEnclave(req, false, "not an enclave key")
		return nil, ErrUnauthorized
	}

	eph, err := a.decryptEphemeral(r.Context(), record, req.TimeBasedEncryptionKey)
	if err != nil {
		a.logEnclave(req, false, "ephemeral key negotiation failed")
		return nil, ErrUnauthorized
	}

	verified, err := VerifyAuthHash(record.KeyHash, eph.encryptionKey)
	if err != nil || !verified {
		a.logEnclave(req, false, "ephemeral key verification failed")
		return nil, ErrUnauthorized
	}

	scratchDir, err := a.provisionScratch(record.DatabaseIDHash)
	if err != nil {
		return nil, err
	}

	release := func(ctx context.Context) bool {
		deleted, revokeErr := a.registry.Revoke(ctx, record.DatabaseIDHash, record.KeyLocatorHash, record.KeyHash)
		if revokeErr != nil {
			a.audit.Log("enclave_release", false, map[string]interface{}{
				"database_id_hash": record.DatabaseIDHash,
				"key_locator_hash": record.KeyLocatorHash,
				"reason":           revokeErr.Error(),
			})
			return false
		}
		a.audit.Log("enclave_release", true, map[string]interface{}{
			"database_id_hash": record.DatabaseIDHash,
			"key_locator_hash": record.KeyLocatorHash,
		})
		return deleted
	}

	a.logEnclave(req, true, "")
	return newContext(record, eph, scratchDir, release), nil
}

// decryptEphemeral recovers the ephemeral shared secret and the master key
// from the client-supplied wrapped key. The OTP candidates cover the
// current and previous time window, so a request straddling a rollover
// still verifies.
func (a *Authorizer) decryptEphemeral(ctx context.Context, record *KeyRecord, timeBasedEncryptionKey string) (*ephemeralMaterial, error) {
	candidates, err := a.otp.Candidates(ctx, record.KeyLocatorHash)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no one-time password available", ErrDecryption)
	}

	// Every candidate and the recovered ephemeral secret decrypt exactly
	// once per request, so the one-shot forms apply.
	var encryptionKey string
	var lastErr error
	for _, otp := range candidates {
		encryptionKey, lastErr = DecryptStringWith(timeBasedEncryptionKey, otp)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	masterKey, err := DecryptStringWith(record.EncryptedMasterKey, encryptionKey)
	if err != nil {
		return nil, err
	}

	return &ephemeralMaterial{
		masterKey:              masterKey,
		encryptionKey:          encryptionKey,
		serverCommunicationKey: timeBasedEncryptionKey,
	}, nil
}

func (a *Authorizer) provisionScratch(databaseIDHash string) (string, error) {
	if a.scratch == nil {
		return "", nil
	}
	base, err := a.scratch(databaseIDHash)
	if err != nil {
		return "", fmt.Errorf("failed to provision scratch directory: %w", err)
	}
	dir := filepath.Join(base, uuid.NewString())
	if err = os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return dir, nil
}

// InEnclave runs fn inside a scoped enclave authorization. The context is
// released on every exit path - normal return, error return, and panic -
// so a handler can never leak a live temporary credential by forgetting
// the release step.
func (a *Authorizer) InEnclave(r *http.Request, fn func(cctx *Context) error) error {
	cctx, err := a.Authorize(r, ZoneEnclave)
	if err != nil {
		return err
	}
	defer cctx.ReleaseEphemeral(r.Context())
	return fn(cctx)
}

func (a *Authorizer) logEnclave(req *EnclaveRequest, success bool, reason string) {
	metadata := map[string]interface{}{
		"database_id_hash": req.DatabaseIDHash,
		"key_locator_hash": req.KeyLocatorHash,
		"zone":             string(ZoneEnclave),
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	a.audit.Log("authorize_enclave", success, metadata)
}

// IsUnauthorized reports whether err should surface as the generic 401.
// Decryption failures count: at the API boundary they are authorization
// failures, never a distinct error class.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrDecryption)
}
