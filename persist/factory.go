package persist

import (
	"encoding/json"
	"fmt"
)

// NewRegistryStore factory function to create key registry backends
func NewRegistryStore(config StoreConfig) (RegistryStore, error) {
	switch config.Type {
	case StoreTypeSQL:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("sql storage requires 'base_path' in config")
		}
		storageKey, _ := config.Config["storage_key"].(string)
		return NewSQLStore(basePath, storageKey)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported registry store type: %s", config.Type)
	}
}

// NewBlobStore factory function to create attachment storage backends
func NewBlobStore(config StoreConfig) (BlobStore, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemBlobStore(basePath)

	case StoreTypeS3:
		var s3cfg S3Config
		raw, err := json.Marshal(config.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal s3 config: %w", err)
		}
		if err = json.Unmarshal(raw, &s3cfg); err != nil {
			return nil, fmt.Errorf("failed to parse s3 config: %w", err)
		}
		return NewS3BlobStore(s3cfg)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", config.Type)
	}
}
