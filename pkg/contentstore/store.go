// Package contentstore persists uploaded bytes under content-derived references.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

var (
	// ErrNotFound is returned when no object exists at a reference.
	ErrNotFound = errors.New("contentstore: object not found")
	// ErrUnavailable wraps backend failures. It is always retryable.
	ErrUnavailable = errors.New("contentstore: storage unavailable")
	// ErrInvalidReference is returned for references that are not CIDv1 raw sha2-256.
	ErrInvalidReference = errors.New("contentstore: invalid storage reference")
)

// Store is content-addressed object storage for registered audio.
type Store interface {
	// Put persists data and returns the reference derived from its content.
	// Identical content always yields the same reference and is not rewritten.
	Put(ctx context.Context, data []byte, suggestedName string) (contracts.StorageRef, error)
	// Get returns the bytes currently stored at ref, as-is.
	Get(ctx context.Context, ref contracts.StorageRef) ([]byte, error)
	// Exists reports whether an object is stored at ref.
	Exists(ctx context.Context, ref contracts.StorageRef) (bool, error)
	// Delete removes the object at ref. Deleting a missing object is not an error.
	Delete(ctx context.Context, ref contracts.StorageRef) error
}

// Metadata is the human-readable label kept next to a stored object.
type Metadata struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Stored string `json:"stored_at"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9.\-]`)

// SanitizeName replaces characters outside [A-Za-z0-9.-] with underscores.
func SanitizeName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

// refFor derives the storage reference for data.
func refFor(data []byte) contracts.StorageRef {
	return contracts.RefFor(fingerprint.Sum(data))
}

// parseRef validates ref and returns the canonical CID string used as the object key.
func parseRef(ref contracts.StorageRef) (string, error) {
	fp, err := fingerprint.FromCID(string(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidReference, ref)
	}
	return fp.CID().String(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
