package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	manifestFileName = "manifest.json"
	databaseFileName = "db.sqlite"

	defaultMaxPool = 50
)

var databaseIDHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SQLStore implements RegistryStore with one file-backed SQLite database per
// tenant, opened through SQLCipher. When a storage key is configured the
// database pages are encrypted at rest; without one the files are plain
// SQLite. Layout:
//
//	basePath/
//	├── <databaseIdHash>/
//	│   ├── manifest.json
//	│   └── db.sqlite
//	└── <databaseIdHash>/
//	    └── ...
//
// Open handles are pooled per tenant with a small LRU-ish cap, mirroring the
// request pattern of a multi-tenant web backend.
type SQLStore struct {
	basePath   string
	storageKey string // hex; empty disables page encryption

	mu      sync.Mutex
	pool    map[string]*sql.DB
	order   []string // pool eviction order (oldest first)
	maxPool int

	// index maps key locator hashes to their tenant, so locator-only
	// lookups (OTP secret resolution) don't scan every tenant database.
	index *sql.DB
}

// NewSQLStore initializes the store root directory and returns a SQLStore.
func NewSQLStore(basePath, storageKey string) (*SQLStore, error) {
	if basePath == "" {
		return nil, errors.New("sql store requires a base path")
	}
	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &SQLStore{
		basePath:   basePath,
		storageKey: storageKey,
		pool:       make(map[string]*sql.DB),
		maxPool:    defaultMaxPool,
	}
	if err := s.openIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) openIndex() error {
	path := filepath.Join(s.basePath, "index.sqlite")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=ON", path)
	if s.storageKey != "" {
		dsn = fmt.Sprintf("file:%s?_pragma_key=x'%s'&_foreign_keys=ON", path, s.storageKey)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open locator index: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to locator index: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS locators (
		key_locator_hash TEXT PRIMARY KEY,
		database_id_hash TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize locator index: %w", err)
	}
	s.index = db
	return nil
}

func validateDatabaseIDHash(databaseIDHash string) error {
	if !databaseIDHashPattern.MatchString(databaseIDHash) {
		return fmt.Errorf("invalid database id hash")
	}
	return nil
}

func (s *SQLStore) tenantDir(databaseIDHash string) string {
	return filepath.Join(s.basePath, databaseIDHash)
}

func (s *SQLStore) databasePath(databaseIDHash string) string {
	return filepath.Join(s.tenantDir(databaseIDHash), databaseFileName)
}

func (s *SQLStore) dsn(databaseIDHash string) string {
	path := s.databasePath(databaseIDHash)
	if s.storageKey == "" {
		return fmt.Sprintf("file:%s?_foreign_keys=ON", path)
	}
	// SQLCipher takes the page encryption key as a hex pragma.
	return fmt.Sprintf("file:%s?_pragma_key=x'%s'&_foreign_keys=ON", path, s.storageKey)
}

// db returns the pooled handle for a tenant, opening and migrating the
// database on first use. When create is false a missing database file is
// ErrTenantNotFound.
func (s *SQLStore) db(databaseIDHash string, create bool) (*sql.DB, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.pool[databaseIDHash]; ok {
		return db, nil
	}

	if _, err := os.Stat(s.databasePath(databaseIDHash)); err != nil {
		if !create {
			return nil, ErrTenantNotFound
		}
		if err = os.MkdirAll(s.tenantDir(databaseIDHash), DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create tenant directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.dsn(databaseIDHash))
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to tenant database: %w", err)
	}
	if err = initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Evict the oldest handle when the pool is full.
	if len(s.pool) >= s.maxPool && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.pool[oldest]; ok {
			old.Close()
			delete(s.pool, oldest)
		}
	}

	s.pool[databaseIDHash] = db
	s.order = append(s.order, databaseIDHash)
	return db, nil
}

func initSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS keys (
		key_locator_hash     TEXT PRIMARY KEY,
		database_id_hash     TEXT NOT NULL,
		key_hash             TEXT NOT NULL,
		key_hash_params      TEXT NOT NULL,
		encrypted_master_key TEXT NOT NULL,
		display_name         TEXT,
		acl                  TEXT,
		extra                TEXT,
		expiry_date          TEXT,
		zone                 TEXT NOT NULL DEFAULT '',
		updated_at           TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_keys_database_id ON keys(database_id_hash);
	CREATE INDEX IF NOT EXISTS idx_keys_zone ON keys(zone);
	`
	_, err := db.Exec(query)
	return err
}

// CreateTenant provisions the tenant database file and writes its manifest.
func (s *SQLStore) CreateTenant(ctx context.Context, databaseIDHash string, manifest TenantManifest) error {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return err
	}
	if _, err := os.Stat(s.databasePath(databaseIDHash)); err == nil {
		return fmt.Errorf("tenant database already exists")
	}

	if _, err := s.db(databaseIDHash, true); err != nil {
		return err
	}

	manifest.DatabaseIDHash = databaseIDHash
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	manifestPath := filepath.Join(s.tenantDir(databaseIDHash), manifestFileName)
	if err = os.WriteFile(manifestPath, raw, FilePermissions); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (s *SQLStore) TenantExists(ctx context.Context, databaseIDHash string) (bool, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.databasePath(databaseIDHash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *SQLStore) DeleteTenant(ctx context.Context, databaseIDHash string) error {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return err
	}

	s.mu.Lock()
	if db, ok := s.pool[databaseIDHash]; ok {
		db.Close()
		delete(s.pool, databaseIDHash)
		for i, h := range s.order {
			if h == databaseIDHash {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.tenantDir(databaseIDHash)); os.IsNotExist(err) {
		return ErrTenantNotFound
	}
	if _, err := s.index.ExecContext(ctx,
		`DELETE FROM locators WHERE database_id_hash = ?`, databaseIDHash); err != nil {
		return fmt.Errorf("failed to de-index tenant: %w", err)
	}
	return os.RemoveAll(s.tenantDir(databaseIDHash))
}

func (s *SQLStore) ListTenants(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() && databaseIDHashPattern.MatchString(e.Name()) {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}

const keyColumns = `key_locator_hash, database_id_hash, key_hash, key_hash_params,
	encrypted_master_key, display_name, acl, extra, expiry_date, zone, updated_at`

func (s *SQLStore) InsertKey(ctx context.Context, record KeyRecord) error {
	db, err := s.db(record.DatabaseIDHash, false)
	if err != nil {
		return err
	}
	if err = insertKey(ctx, db, record); err != nil {
		return err
	}
	_, err = s.index.ExecContext(ctx,
		`INSERT OR REPLACE INTO locators (key_locator_hash, database_id_hash) VALUES (?, ?)`,
		record.KeyLocatorHash, record.DatabaseIDHash)
	if err != nil {
		return fmt.Errorf("failed to index key record: %w", err)
	}
	return nil
}

// FindKey resolves a locator through the global index.
func (s *SQLStore) FindKey(ctx context.Context, keyLocatorHash string) (*KeyRecord, error) {
	var databaseIDHash string
	err := s.index.QueryRowContext(ctx,
		`SELECT database_id_hash FROM locators WHERE key_locator_hash = ?`, keyLocatorHash).
		Scan(&databaseIDHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up locator: %w", err)
	}
	return s.GetKey(ctx, databaseIDHash, keyLocatorHash)
}

func insertKey(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, record KeyRecord) error {
	var expiry sql.NullString
	if record.ExpiryDate != nil {
		expiry = sql.NullString{String: record.ExpiryDate.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.KeyLocatorHash, record.DatabaseIDHash, record.KeyHash, record.KeyHashParams,
		record.EncryptedMasterKey, record.DisplayName, record.ACL, record.Extra,
		expiry, record.Zone, record.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (*KeyRecord, error) {
	db, err := s.db(databaseIDHash, false)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE key_locator_hash = ?`, keyLocatorHash)
	record, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	return record, nil
}

func (s *SQLStore) ListKeys(ctx context.Context, databaseIDHash string) ([]KeyRecord, error) {
	db, err := s.db(databaseIDHash, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE database_id_hash = ? ORDER BY updated_at`, databaseIDHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}
	defer rows.Close()

	var records []KeyRecord
	for rows.Next() {
		record, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read key record: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *SQLStore) DeleteKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (bool, error) {
	db, err := s.db(databaseIDHash, false)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM keys WHERE key_locator_hash = ?`, keyLocatorHash)
	if err != nil {
		return false, fmt.Errorf("failed to delete key record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		if _, err = s.index.ExecContext(ctx,
			`DELETE FROM locators WHERE key_locator_hash = ?`, keyLocatorHash); err != nil {
			return true, fmt.Errorf("failed to de-index key record: %w", err)
		}
	}
	return affected > 0, nil
}

// ReplaceKey deletes the old record and inserts the new one in a single
// transaction, so a rotated share is never observable half-swapped.
func (s *SQLStore) ReplaceKey(ctx context.Context, databaseIDHash, oldKeyLocatorHash string, record KeyRecord) error {
	db, err := s.db(databaseIDHash, false)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE key_locator_hash = ?`, oldKeyLocatorHash)
	if err != nil {
		return fmt.Errorf("failed to delete old key record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrKeyNotFound
	}
	if err = insertKey(ctx, tx, record); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	if _, err = s.index.ExecContext(ctx,
		`DELETE FROM locators WHERE key_locator_hash = ?`, oldKeyLocatorHash); err != nil {
		return fmt.Errorf("failed to de-index old key record: %w", err)
	}
	if _, err = s.index.ExecContext(ctx,
		`INSERT OR REPLACE INTO locators (key_locator_hash, database_id_hash) VALUES (?, ?)`,
		record.KeyLocatorHash, record.DatabaseIDHash); err != nil {
		return fmt.Errorf("failed to index key record: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for hash, db := range s.pool {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.pool, hash)
	}
	s.order = nil
	if s.index != nil {
		if err := s.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.index = nil
	}
	return firstErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*KeyRecord, error) {
	var (
		record      KeyRecord
		displayName sql.NullString
		acl         sql.NullString
		extra       sql.NullString
		expiry      sql.NullString
		updatedAt   string
	)
	err := row.Scan(&record.KeyLocatorHash, &record.DatabaseIDHash, &record.KeyHash,
		&record.KeyHashParams, &record.EncryptedMasterKey, &displayName, &acl, &extra,
		&expiry, &record.Zone, &updatedAt)
	if err != nil {
		return nil, err
	}
	record.DisplayName = displayName.String
	record.ACL = acl.String
	record.Extra = extra.String
	if expiry.Valid && expiry.String != "" {
		t, err := time.Parse(time.RFC3339, expiry.String)
		if err != nil {
			return nil, fmt.Errorf("malformed expiry date: %w", err)
		}
		record.ExpiryDate = &t
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("malformed updated at: %w", err)
	}
	record.UpdatedAt = t
	return &record, nil
}

func isUniqueViolation(err error) bool {
	// go-sqlcipher surfaces SQLite constraint violations as plain errors;
	// match on the stable message fragment.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
