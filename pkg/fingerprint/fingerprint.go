// Package fingerprint computes content fingerprints for uploaded audio.
//
// A Fingerprint is the SHA-256 digest of the raw bytes. It is the primary key
// for registration and deduplication, and it maps one-to-one onto a CIDv1
// (raw multicodec, sha2-256 multihash), which is the storage reference format.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// DefaultMaxSize mirrors the upload layer's 10 MiB limit.
const DefaultMaxSize int64 = 10 * 1024 * 1024

const prefix = "sha256:"

var (
	ErrEmptyPayload    = errors.New("fingerprint: empty payload")
	ErrPayloadTooLarge = errors.New("fingerprint: payload too large")
	ErrInvalid         = errors.New("fingerprint: invalid fingerprint")
)

// Fingerprint is a SHA-256 content digest.
type Fingerprint [Size]byte

// Zero is the unset fingerprint.
var Zero Fingerprint

// Sum fingerprints an in-memory buffer without size checks.
func Sum(data []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(data))
}

// String returns the "sha256:<hex>" form.
func (f Fingerprint) String() string {
	return prefix + hex.EncodeToString(f[:])
}

// Hex returns the bare hex digest.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f == Zero
}

// Equal compares two fingerprints.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return bytes.Equal(f[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse accepts "sha256:<hex>" or a bare 64 character hex digest.
func Parse(s string) (Fingerprint, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), prefix)
	if len(raw) != hex.EncodedLen(Size) {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}

// CID returns the CIDv1 (raw + sha2-256) addressing the fingerprinted bytes.
func (f Fingerprint) CID() cid.Cid {
	mh, err := multihash.Encode(f[:], multihash.SHA2_256)
	if err != nil {
		// Encode only fails for unknown codes or mismatched lengths; neither applies.
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, mh)
}

// FromCID recovers the fingerprint encoded in a CIDv1 raw sha2-256 string.
func FromCID(s string) (Fingerprint, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if id.Type() != cid.Raw {
		return Zero, fmt.Errorf("%w: codec %d is not raw", ErrInvalid, id.Type())
	}
	decoded, err := multihash.Decode(id.Hash())
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if decoded.Code != multihash.SHA2_256 || len(decoded.Digest) != Size {
		return Zero, fmt.Errorf("%w: multihash is not sha2-256", ErrInvalid)
	}
	var f Fingerprint
	copy(f[:], decoded.Digest)
	return f, nil
}

// Hasher fingerprints streams, enforcing a maximum accepted size.
type Hasher struct {
	MaxSize int64
}

// NewHasher returns a Hasher with the given limit. A non-positive limit uses DefaultMaxSize.
func NewHasher(maxSize int64) *Hasher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Hasher{MaxSize: maxSize}
}

// Digest reads r to EOF and returns its fingerprint and length.
// At most MaxSize+1 bytes are consumed from r.
func (h *Hasher) Digest(r io.Reader) (Fingerprint, int64, error) {
	limit := h.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}

	sum := sha256.New()
	n, err := io.Copy(sum, io.LimitReader(r, limit+1))
	if err != nil {
		return Zero, n, fmt.Errorf("fingerprint: read payload: %w", err)
	}
	if n == 0 {
		return Zero, 0, ErrEmptyPayload
	}
	if n > limit {
		return Zero, n, fmt.Errorf("%w: exceeds %d bytes", ErrPayloadTooLarge, limit)
	}

	var f Fingerprint
	copy(f[:], sum.Sum(nil))
	return f, n, nil
}
