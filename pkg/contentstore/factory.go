package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects a storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeMemory StoreType = "memory"
)

// Options configures New.
type Options struct {
	Type    StoreType
	DataDir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New creates the store described by opts.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", StoreTypeFS:
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "objects"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if opts.S3Bucket == "" {
			return nil, fmt.Errorf("ECHOCRYPT_S3_BUCKET is required for S3 storage")
		}
		region := opts.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.S3Bucket,
			Region:   region,
			Endpoint: opts.S3Endpoint,
			Prefix:   opts.S3Prefix,
		})
	case StoreTypeGCS:
		if opts.GCSBucket == "" {
			return nil, fmt.Errorf("ECHOCRYPT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}
}

// NewStoreFromEnv creates a store based on environment variables.
//
// Environment variables:
//   - ECHOCRYPT_STORAGE_TYPE: "fs" (default), "s3", "gcs" or "memory"
//   - DATA_DIR: base directory for the filesystem store (default: "data")
//
// For S3:
//   - ECHOCRYPT_S3_BUCKET (required)
//   - ECHOCRYPT_S3_REGION or AWS_REGION
//   - ECHOCRYPT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ECHOCRYPT_S3_PREFIX (optional)
//
// For GCS (binary built with -tags gcp):
//   - ECHOCRYPT_GCS_BUCKET (required)
//   - ECHOCRYPT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	region := os.Getenv("ECHOCRYPT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return New(ctx, Options{
		Type:       StoreType(os.Getenv("ECHOCRYPT_STORAGE_TYPE")),
		DataDir:    os.Getenv("DATA_DIR"),
		S3Bucket:   os.Getenv("ECHOCRYPT_S3_BUCKET"),
		S3Region:   region,
		S3Endpoint: os.Getenv("ECHOCRYPT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ECHOCRYPT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ECHOCRYPT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ECHOCRYPT_GCS_PREFIX"),
	})
}
