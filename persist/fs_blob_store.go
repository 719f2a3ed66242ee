package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Storage keys are client-generated opaque identifiers; constrain them so
// they can never traverse out of the tenant directory.
var storageKeyPattern = regexp.MustCompile(`^[0-9a-zA-Z_-]{1,128}$`)

// FileSystemBlobStore implements BlobStore on the local filesystem. Layout:
//
//	basePath/
//	└── <databaseIdHash>/
//	    ├── attachments/
//	    │   └── <storageKey>
//	    └── temp/
//	        └── <per-request scratch dirs>
//
// All payloads are AEAD ciphertext written by the caller; the store itself
// never encrypts or decrypts.
type FileSystemBlobStore struct {
	basePath string
}

var _ BlobStore = (*FileSystemBlobStore)(nil)

// NewFileSystemBlobStore initializes the store root directory.
func NewFileSystemBlobStore(basePath string) (*FileSystemBlobStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("filesystem blob store requires a base path")
	}
	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileSystemBlobStore{basePath: basePath}, nil
}

func (f *FileSystemBlobStore) attachmentsDir(databaseIDHash string) string {
	return filepath.Join(f.basePath, databaseIDHash, "attachments")
}

func validateStorageKey(storageKey string) error {
	if !storageKeyPattern.MatchString(storageKey) {
		return fmt.Errorf("invalid storage key")
	}
	return nil
}

func (f *FileSystemBlobStore) SaveAttachment(ctx context.Context, databaseIDHash, storageKey string, data []byte) error {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return err
	}
	dir := f.attachmentsDir(databaseIDHash)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create attachments directory: %w", err)
	}

	// Write-then-rename so a crashed write never leaves a torn payload.
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err = tmp.Chmod(FilePermissions); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set attachment permissions: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close attachment: %w", err)
	}
	if err = os.Rename(tmpName, filepath.Join(dir, storageKey)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (f *FileSystemBlobStore) ReadAttachment(ctx context.Context, databaseIDHash, storageKey string) ([]byte, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return nil, err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.attachmentsDir(databaseIDHash), storageKey))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

func (f *FileSystemBlobStore) DeleteAttachment(ctx context.Context, databaseIDHash, storageKey string) (bool, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return false, err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return false, err
	}
	err := os.Remove(filepath.Join(f.attachmentsDir(databaseIDHash), storageKey))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	return true, nil
}

func (f *FileSystemBlobStore) ListAttachments(ctx context.Context, databaseIDHash string) ([]string, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.attachmentsDir(databaseIDHash))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// TempDir returns the per-tenant scratch root, creating it if needed. Each
// enclave request creates its own subdirectory underneath and removes it on
// release.
func (f *FileSystemBlobStore) TempDir(databaseIDHash string) (string, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return "", err
	}
	dir := filepath.Join(f.basePath, databaseIDHash, "temp")
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	return dir, nil
}
