package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3BlobStore implements BlobStore against an S3-compatible bucket via
// MinIO. Object structure:
//
//	bucket/
//	└── [keyPrefix/]<databaseIdHash>/attachments/<storageKey>
//
// Payloads are opaque AEAD ciphertext; the bucket only ever sees encrypted
// bytes.
type S3BlobStore struct {
	client    *minio.Client
	bucket    string
	keyPrefix string
}

var _ BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore connects to the endpoint and verifies the bucket exists.
func NewS3BlobStore(config S3Config) (*S3BlobStore, error) {
	if config.Bucket == "" {
		return nil, errors.New("s3 blob store requires a bucket")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", config.Bucket)
	}

	return &S3BlobStore{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: strings.Trim(config.KeyPrefix, "/"),
	}, nil
}

func (s *S3BlobStore) objectName(databaseIDHash, storageKey string) string {
	name := fmt.Sprintf("%s/attachments/%s", databaseIDHash, storageKey)
	if s.keyPrefix != "" {
		name = s.keyPrefix + "/" + name
	}
	return name
}

func (s *S3BlobStore) SaveAttachment(ctx context.Context, databaseIDHash, storageKey string, data []byte) error {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(databaseIDHash, storageKey),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (s *S3BlobStore) ReadAttachment(ctx context.Context, databaseIDHash, storageKey string) ([]byte, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return nil, err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(databaseIDHash, storageKey), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

func (s *S3BlobStore) DeleteAttachment(ctx context.Context, databaseIDHash, storageKey string) (bool, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return false, err
	}
	if err := validateStorageKey(storageKey); err != nil {
		return false, err
	}
	name := s.objectName(databaseIDHash, storageKey)
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check attachment: %w", err)
	}
	if err = s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("failed to delete attachment: %w", err)
	}
	return true, nil
}

func (s *S3BlobStore) ListAttachments(ctx context.Context, databaseIDHash string) ([]string, error) {
	if err := validateDatabaseIDHash(databaseIDHash); err != nil {
		return nil, err
	}
	prefix := s.objectName(databaseIDHash, "")
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list attachments: %w", obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}
	return names, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}
