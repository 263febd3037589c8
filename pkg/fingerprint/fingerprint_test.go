package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_MatchesSHA256(t *testing.T) {
	payload := []byte("RIFF....WAVEfmt audio bytes")
	h := NewHasher(0)

	fp, n, err := h.Digest(bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, Fingerprint(sha256.Sum256(payload)), fp)
	assert.Equal(t, Sum(payload), fp)
}

func TestDigest_IdenticalBytesIdenticalFingerprint(t *testing.T) {
	h := NewHasher(0)
	a, _, err := h.Digest(strings.NewReader("same content"))
	require.NoError(t, err)
	b, _, err := h.Digest(strings.NewReader("same content"))
	require.NoError(t, err)
	c, _, err := h.Digest(strings.NewReader("same contenT"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDigest_Empty(t *testing.T) {
	_, _, err := NewHasher(0).Digest(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDigest_TooLarge(t *testing.T) {
	h := NewHasher(8)

	_, _, err := h.Digest(bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, n, err := h.Digest(bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err, "payload at the limit is accepted")
	assert.Equal(t, int64(8), n)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestDigest_ReadError(t *testing.T) {
	_, _, err := NewHasher(0).Digest(failingReader{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyPayload)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestParse_RoundTrip(t *testing.T) {
	fp := Sum([]byte("track-01"))

	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	bare, err := Parse(fp.Hex())
	require.NoError(t, err)
	assert.Equal(t, fp, bare)

	_, err = Parse("sha256:zz")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCID_RoundTrip(t *testing.T) {
	fp := Sum([]byte("track-02"))

	id := fp.CID()
	require.True(t, id.Defined())
	assert.True(t, strings.HasPrefix(id.String(), "bafkrei"), "CIDv1 raw sha2-256 in base32")

	back, err := FromCID(id.String())
	require.NoError(t, err)
	assert.Equal(t, fp, back)
}

func TestFromCID_RejectsGarbage(t *testing.T) {
	_, err := FromCID("not-a-cid")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTextMarshal(t *testing.T) {
	fp := Sum([]byte("track-03"))
	text, err := fp.MarshalText()
	require.NoError(t, err)

	var out Fingerprint
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, fp, out)
	assert.False(t, out.IsZero())
	assert.True(t, Zero.IsZero())
}
