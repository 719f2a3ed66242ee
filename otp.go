package dok

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Doctor-One/doctor-dok/internal/crypto"
)

// OTPMode selects how one-time passwords are produced.
type OTPMode string

const (
	// OTPModeTimeBased recomputes the password deterministically from the
	// per-key time-step secret and the current time window. Nothing is
	// stored, so generate and retrieve are idempotent within a window and
	// no cleanup is needed. This is the default.
	OTPModeTimeBased OTPMode = "time-based"

	// OTPModeStorage generates a random password and caches it with a
	// timestamp. Entries expire after MaxAge and are purged by a periodic
	// sweep. Fallback and test mode.
	OTPModeStorage OTPMode = "storage"
)

const (
	DefaultOTPStep       = 2 * time.Minute
	DefaultOTPMaxAge     = 30 * time.Minute
	DefaultSweepInterval = time.Hour
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// OTPEntry is one cached password in storage mode.
type OTPEntry struct {
	OTP       string
	Timestamp time.Time
}

// OTPStore is the injectable map-like store backing storage mode.
type OTPStore interface {
	Get(keyLocatorHash string) (OTPEntry, bool)
	Put(keyLocatorHash string, entry OTPEntry)
	Delete(keyLocatorHash string) bool
	// Purge removes entries older than cutoff and returns how many it removed.
	Purge(cutoff time.Time) int
}

// MemoryOTPStore is the in-process OTPStore. Entries are read-mostly after
// creation, so a plain RWMutex is enough.
type MemoryOTPStore struct {
	mu      sync.RWMutex
	entries map[string]OTPEntry
}

func NewMemoryOTPStore() *MemoryOTPStore {
	return &MemoryOTPStore{entries: make(map[string]OTPEntry)}
}

func (s *MemoryOTPStore) Get(keyLocatorHash string) (OTPEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[keyLocatorHash]
	return entry, ok
}

func (s *MemoryOTPStore) Put(keyLocatorHash string, entry OTPEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[keyLocatorHash] = entry
}

func (s *MemoryOTPStore) Delete(keyLocatorHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[keyLocatorHash]
	delete(s.entries, keyLocatorHash)
	return ok
}

func (s *MemoryOTPStore) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for locator, entry := range s.entries {
		if entry.Timestamp.Before(cutoff) {
			delete(s.entries, locator)
			purged++
		}
	}
	return purged
}

// SecretResolver returns the per-key time-step secret for a locator. The
// server wires it to an HKDF derivation over the registry record; tests can
// substitute a fixed secret.
type SecretResolver func(ctx context.Context, keyLocatorHash string) ([]byte, error)

// OTPConfig configures an OTPManager. Zero values fall back to defaults.
type OTPConfig struct {
	Mode          OTPMode
	Store         OTPStore
	Clock         Clock
	Resolver      SecretResolver
	Step          time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// OTPManager produces the short-lived, recomputable one-time password per
// key locator that wraps a per-request ephemeral encryption key. The
// password itself is never transmitted; it is only used locally to decrypt a
// client-supplied ciphertext.
type OTPManager struct {
	mode          OTPMode
	store         OTPStore
	clock         Clock
	resolve       SecretResolver
	step          time.Duration
	maxAge        time.Duration
	sweepInterval time.Duration
}

// NewOTPManager builds a manager. A resolver is required in time-based mode.
func NewOTPManager(cfg OTPConfig) (*OTPManager, error) {
	m := &OTPManager{
		mode:          cfg.Mode,
		store:         cfg.Store,
		clock:         cfg.Clock,
		resolve:       cfg.Resolver,
		step:          cfg.Step,
		maxAge:        cfg.MaxAge,
		sweepInterval: cfg.SweepInterval,
	}
	if m.mode == "" {
		m.mode = OTPModeTimeBased
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.step <= 0 {
		m.step = DefaultOTPStep
	}
	// The window counter divides by whole seconds of the step.
	if m.step < time.Second {
		return nil, fmt.Errorf("otp step must be at least one second, got %s", m.step)
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultOTPMaxAge
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	switch m.mode {
	case OTPModeTimeBased:
		if m.resolve == nil {
			return nil, fmt.Errorf("time-based otp mode requires a secret resolver")
		}
	case OTPModeStorage:
		if m.store == nil {
			m.store = NewMemoryOTPStore()
		}
	default:
		return nil, fmt.Errorf("unknown otp mode: %s", cfg.Mode)
	}
	return m, nil
}

// Mode returns the active mode.
func (m *OTPManager) Mode() OTPMode { return m.mode }

func (m *OTPManager) counter() uint64 {
	return uint64(m.clock().Unix()) / uint64(m.step/time.Second)
}

// GetOrGenerateOTP returns a valid password for the locator. In time-based
// mode it is freshly computed for the current window; in storage mode a
// cached unexpired entry is reused, otherwise a new one is generated.
func (m *OTPManager) GetOrGenerateOTP(ctx context.Context, keyLocatorHash string) (string, error) {
	if m.mode == OTPModeTimeBased {
		secret, err := m.resolve(ctx, keyLocatorHash)
		if err != nil {
			return "", fmt.Errorf("failed to resolve otp secret: %w", err)
		}
		return crypto.TimeBasedPassword(secret, m.counter()), nil
	}

	now := m.clock()
	if entry, ok := m.store.Get(keyLocatorHash); ok {
		if now.Sub(entry.Timestamp) < m.maxAge {
			return entry.OTP, nil
		}
		m.store.Delete(keyLocatorHash)
	}

	otp, err := crypto.RandomKey(32)
	if err != nil {
		return "", err
	}
	m.store.Put(keyLocatorHash, OTPEntry{OTP: otp, Timestamp: now})
	return otp, nil
}

// Candidates returns the passwords a decryption attempt should try. In
// time-based mode that is the current window and the previous one, so a
// request that straddles a window boundary still verifies. In storage mode
// it is the single cached value, if any.
func (m *OTPManager) Candidates(ctx context.Context, keyLocatorHash string) ([]string, error) {
	if m.mode == OTPModeTimeBased {
		secret, err := m.resolve(ctx, keyLocatorHash)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve otp secret: %w", err)
		}
		c := m.counter()
		candidates := []string{crypto.TimeBasedPassword(secret, c)}
		if c > 0 {
			candidates = append(candidates, crypto.TimeBasedPassword(secret, c-1))
		}
		return candidates, nil
	}

	entry, ok := m.store.Get(keyLocatorHash)
	if !ok || m.clock().Sub(entry.Timestamp) >= m.maxAge {
		return nil, nil
	}
	return []string{entry.OTP}, nil
}

// Remove drops the cached password for a locator. No-op in time-based mode.
func (m *OTPManager) Remove(keyLocatorHash string) bool {
	if m.mode == OTPModeTimeBased {
		return false
	}
	return m.store.Delete(keyLocatorHash)
}

// StartSweeper runs the periodic stale-entry purge until ctx is cancelled.
// Only meaningful in storage mode; in time-based mode it returns at once.
func (m *OTPManager) StartSweeper(ctx context.Context) {
	if m.mode != OTPModeStorage {
		return
	}
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.store.Purge(m.clock().Add(-m.maxAge))
			}
		}
	}()
}
