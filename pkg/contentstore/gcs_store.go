//go:build gcp

package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(cidStr string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + cidStr + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte, suggestedName string) (contracts.StorageRef, error) {
	ref := refFor(data)
	obj := s.object(string(ref))

	_, err := obj.Attrs(ctx)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", unavailable("gcs attrs", err)
	}

	// DoesNotExist makes concurrent identical puts resolve to a single object.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"name": SanitizeName(suggestedName)}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", unavailable("gcs write", err)
	}
	if err := w.Close(); err != nil {
		if _, attrErr := obj.Attrs(ctx); attrErr == nil {
			return ref, nil
		}
		return "", unavailable("gcs close", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref contracts.StorageRef) ([]byte, error) {
	cidStr, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(cidStr).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, unavailable("gcs get", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, unavailable("gcs read", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref contracts.StorageRef) (bool, error) {
	cidStr, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = s.object(cidStr).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, unavailable("gcs attrs", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref contracts.StorageRef) error {
	cidStr, err := parseRef(ref)
	if err != nil {
		return err
	}

	err = s.object(cidStr).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return unavailable("gcs delete", err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
