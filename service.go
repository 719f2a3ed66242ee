package dok

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Doctor-One/doctor-dok/audit"
	"github.com/Doctor-One/doctor-dok/internal/crypto"
	"github.com/Doctor-One/doctor-dok/persist"
)

// Service wires the registry, token issuer, one-time password manager and
// authorizer into one object the HTTP layer and the CLI share. It owns the
// storage handles and must be closed.
type Service struct {
	opts      Options
	registry  *Registry
	blobs     persist.BlobStore
	otp       *OTPManager
	tokens    *TokenIssuer
	auth      *Authorizer
	audit     audit.Logger
	sweepStop context.CancelFunc
}

// NewService validates the options, opens the configured stores and wires
// the authorization components together.
func NewService(opts Options, auditLogger audit.Logger) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}

	store, err := persist.NewRegistryStore(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open key registry store: %w", err)
	}
	blobs, err := persist.NewBlobStore(opts.Blobs)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open attachment store: %w", err)
	}

	registry := NewRegistry(store, auditLogger, opts.Clock)

	otp, err := NewOTPManager(OTPConfig{
		Mode:          opts.OTPMode,
		Clock:         opts.Clock,
		Resolver:      otpSecretResolver(store),
		Step:          opts.OTPStep,
		MaxAge:        opts.OTPMaxAge,
		SweepInterval: opts.OTPSweepInterval,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens, err := NewTokenIssuer(opts.TokenSecret, opts.AccessTokenTTL, opts.RefreshTokenTTL, opts.Clock)
	if err != nil {
		store.Close()
		return nil, err
	}

	svc := &Service{
		opts:     opts,
		registry: registry,
		blobs:    blobs,
		otp:      otp,
		tokens:   tokens,
		audit:    auditLogger,
	}
	svc.auth = NewAuthorizer(registry, otp, tokens, auditLogger, svc.scratchProvider())

	sweepCtx, cancel := context.WithCancel(context.Background())
	svc.sweepStop = cancel
	otp.StartSweeper(sweepCtx)

	return svc, nil
}

// otpSecretResolver derives the per-key time-step secret from the stored
// record. Both the server and the key-minting client derive the same secret
// independently; it is never transmitted or persisted.
func otpSecretResolver(store persist.RegistryStore) SecretResolver {
	return func(ctx context.Context, keyLocatorHash string) ([]byte, error) {
		record, err := store.FindKey(ctx, keyLocatorHash)
		if err != nil {
			return nil, err
		}
		return crypto.DeriveOTPSecret(record.KeyHash, record.KeyLocatorHash)
	}
}

// scratchProvider roots per-request enclave scratch directories under the
// tenant's data directory when one exists, falling back to the system temp
// directory for memory-backed deployments.
func (s *Service) scratchProvider() ScratchProvider {
	return func(databaseIDHash string) (string, error) {
		if fs, ok := s.blobs.(*persist.FileSystemBlobStore); ok {
			return fs.TempDir(databaseIDHash)
		}
		dir := filepath.Join(os.TempDir(), "doctor-dok", databaseIDHash)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return dir, nil
	}
}

// Registry exposes the key registry for handlers and the CLI.
func (s *Service) Registry() *Registry { return s.registry }

// Blobs exposes the encrypted attachment store.
func (s *Service) Blobs() persist.BlobStore { return s.blobs }

// Authorizer exposes the request authorizer for HTTP middleware.
func (s *Service) Authorizer() *Authorizer { return s.auth }

// OTP exposes the one-time password manager.
func (s *Service) OTP() *OTPManager { return s.otp }

// Options returns a copy of the effective configuration.
func (s *Service) Options() Options { return s.opts }

// Login validates the presented key hash against the registry and mints a
// token pair. All failures collapse into ErrUnauthorized.
func (s *Service) Login(ctx context.Context, databaseIDHash, keyLocatorHash, keyHash string) (*TokenPair, *KeyRecord, error) {
	record, err := s.registry.Validate(ctx, databaseIDHash, keyLocatorHash, keyHash)
	if err != nil {
		s.audit.Log("login", false, map[string]interface{}{
			"database_id_hash": databaseIDHash,
			"key_locator_hash": keyLocatorHash,
		})
		return nil, nil, ErrUnauthorized
	}
	pair, err := s.tokens.Issue(record)
	if err != nil {
		return nil, nil, err
	}
	s.audit.Log("login", true, map[string]interface{}{
		"database_id_hash": databaseIDHash,
		"key_locator_hash": keyLocatorHash,
	})
	return pair, record, nil
}

// Refresh exchanges a valid refresh token for a fresh pair, re-validating
// the embedded key against the registry so a revoked key cannot refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	record, err := s.registry.Validate(ctx, claims.DatabaseIDHash, claims.KeyLocatorHash, claims.KeyHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return s.tokens.Issue(record)
}

// CreateDatabase provisions a tenant and registers its first (owner) key
// record in one call. The record's own validation applies; a duplicate
// tenant is ErrDuplicateKey.
func (s *Service) CreateDatabase(ctx context.Context, record KeyRecord, manifest persist.TenantManifest) error {
	exists, err := s.registry.Store().TenantExists(ctx, record.DatabaseIDHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateKey
	}
	if err = s.registry.Store().CreateTenant(ctx, record.DatabaseIDHash, manifest); err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	if record.ACL == "" {
		record.ACL = ACL{Role: RoleOwner, Features: []Capability{CapabilityAll}}.Encode()
	}
	if err = s.registry.Register(ctx, record); err != nil {
		return err
	}
	s.audit.Log("database_create", true, map[string]interface{}{
		"database_id_hash": record.DatabaseIDHash,
	})
	return nil
}

// Close releases storage handles and stops the OTP sweeper.
func (s *Service) Close() error {
	if s.sweepStop != nil {
		s.sweepStop()
	}
	return s.registry.Store().Close()
}
