package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

// FileStore is a filesystem-backed Store.
//
// Objects live at <baseDir>/<cid>.blob with a <cid>.meta.json label sidecar.
// Writes go to a temp file and are renamed into place, so concurrent puts of
// the same content race harmlessly to an identical result.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared storage directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, unavailable("ensure storage dir", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(key string) string {
	return filepath.Join(s.baseDir, key+".blob")
}

func (s *FileStore) metaPath(key string) string {
	return filepath.Join(s.baseDir, key+".meta.json")
}

func (s *FileStore) Put(ctx context.Context, data []byte, suggestedName string) (contracts.StorageRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := refFor(data)
	key := string(ref)
	path := s.blobPath(key)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := s.writeAtomic(path, data); err != nil {
		return "", unavailable("write blob", err)
	}

	meta, err := json.Marshal(Metadata{
		Name:   SanitizeName(suggestedName),
		Size:   int64(len(data)),
		Stored: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		// The label is informational; a failed sidecar write leaves a valid object.
		_ = s.writeAtomic(s.metaPath(key), meta)
	}

	return ref, nil
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.baseDir, ".put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	//nolint:gosec // G302: blobs are world-readable
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s *FileStore) Get(ctx context.Context, ref contracts.StorageRef) ([]byte, error) {
	key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.blobPath(key)) //nolint:gosec // key validated as CID
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, unavailable("read blob", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref contracts.StorageRef) (bool, error) {
	key, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(s.blobPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, unavailable("stat blob", err)
}

func (s *FileStore) Delete(ctx context.Context, ref contracts.StorageRef) error {
	key, err := parseRef(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return unavailable("delete blob", err)
	}
	_ = os.Remove(s.metaPath(key))
	return nil
}

// Label returns the sidecar metadata recorded when ref was first stored.
func (s *FileStore) Label(ref contracts.StorageRef) (Metadata, error) {
	key, err := parseRef(ref)
	if err != nil {
		return Metadata{}, err
	}
	raw, err := os.ReadFile(s.metaPath(key)) //nolint:gosec // key validated as CID
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: label for %s", ErrNotFound, ref)
		}
		return Metadata{}, unavailable("read label", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("contentstore: decode label: %w", err)
	}
	return meta, nil
}
