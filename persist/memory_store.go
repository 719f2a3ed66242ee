package persist

import (
	"context"
	"sync"
)

// MemoryStore implements RegistryStore and BlobStore in process memory.
// Intended for tests and for wiring deterministic fixtures.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]TenantManifest
	keys      map[string]map[string]KeyRecord // databaseIdHash -> locator -> record
	blobs     map[string]map[string][]byte    // databaseIdHash -> storageKey -> payload
}

var (
	_ RegistryStore = (*MemoryStore)(nil)
	_ BlobStore     = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[string]TenantManifest),
		keys:      make(map[string]map[string]KeyRecord),
		blobs:     make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) CreateTenant(ctx context.Context, databaseIDHash string, manifest TenantManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[databaseIDHash]; ok {
		return ErrKeyExists
	}
	manifest.DatabaseIDHash = databaseIDHash
	m.manifests[databaseIDHash] = manifest
	m.keys[databaseIDHash] = make(map[string]KeyRecord)
	m.blobs[databaseIDHash] = make(map[string][]byte)
	return nil
}

func (m *MemoryStore) TenantExists(ctx context.Context, databaseIDHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[databaseIDHash]
	return ok, nil
}

func (m *MemoryStore) DeleteTenant(ctx context.Context, databaseIDHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[databaseIDHash]; !ok {
		return ErrTenantNotFound
	}
	delete(m.keys, databaseIDHash)
	delete(m.blobs, databaseIDHash)
	delete(m.manifests, databaseIDHash)
	return nil
}

func (m *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenants := make([]string, 0, len(m.keys))
	for hash := range m.keys {
		tenants = append(tenants, hash)
	}
	return tenants, nil
}

func (m *MemoryStore) tenantKeys(databaseIDHash string) map[string]KeyRecord {
	if _, ok := m.keys[databaseIDHash]; !ok {
		// Auto-provision so registry tests don't need an explicit tenant.
		m.keys[databaseIDHash] = make(map[string]KeyRecord)
		m.blobs[databaseIDHash] = make(map[string][]byte)
	}
	return m.keys[databaseIDHash]
}

func (m *MemoryStore) InsertKey(ctx context.Context, record KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.tenantKeys(record.DatabaseIDHash)
	if _, ok := keys[record.KeyLocatorHash]; ok {
		return ErrKeyExists
	}
	keys[record.KeyLocatorHash] = record
	return nil
}

func (m *MemoryStore) GetKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.keys[databaseIDHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	record, ok := keys[keyLocatorHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &record, nil
}

func (m *MemoryStore) FindKey(ctx context.Context, keyLocatorHash string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, keys := range m.keys {
		if record, ok := keys[keyLocatorHash]; ok {
			return &record, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *MemoryStore) ListKeys(ctx context.Context, databaseIDHash string) ([]KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.keys[databaseIDHash]
	records := make([]KeyRecord, 0, len(keys))
	for _, record := range keys {
		records = append(records, record)
	}
	return records, nil
}

func (m *MemoryStore) DeleteKey(ctx context.Context, databaseIDHash, keyLocatorHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.keys[databaseIDHash]
	if !ok {
		return false, nil
	}
	if _, ok = keys[keyLocatorHash]; !ok {
		return false, nil
	}
	delete(keys, keyLocatorHash)
	return true, nil
}

func (m *MemoryStore) ReplaceKey(ctx context.Context, databaseIDHash, oldKeyLocatorHash string, record KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.keys[databaseIDHash]
	if !ok {
		return ErrKeyNotFound
	}
	if _, ok = keys[oldKeyLocatorHash]; !ok {
		return ErrKeyNotFound
	}
	if oldKeyLocatorHash != record.KeyLocatorHash {
		if _, ok = keys[record.KeyLocatorHash]; ok {
			return ErrKeyExists
		}
	}
	delete(keys, oldKeyLocatorHash)
	keys[record.KeyLocatorHash] = record
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveAttachment(ctx context.Context, databaseIDHash, storageKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantKeys(databaseIDHash)
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[databaseIDHash][storageKey] = buf
	return nil
}

func (m *MemoryStore) ReadAttachment(ctx context.Context, databaseIDHash, storageKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blobs, ok := m.blobs[databaseIDHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	data, ok := blobs[storageKey]
	if !ok {
		return nil, ErrKeyNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (m *MemoryStore) DeleteAttachment(ctx context.Context, databaseIDHash, storageKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs, ok := m.blobs[databaseIDHash]
	if !ok {
		return false, nil
	}
	if _, ok = blobs[storageKey]; !ok {
		return false, nil
	}
	delete(blobs, storageKey)
	return true, nil
}

func (m *MemoryStore) ListAttachments(ctx context.Context, databaseIDHash string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blobs := m.blobs[databaseIDHash]
	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	return names, nil
}
