//go:build property
// +build property

package fingerprint_test

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

// Property: Digest(b) == Digest(b) and Digest agrees with Sum for any non-empty b.
func TestDigestDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	h := fingerprint.NewHasher(0)

	properties.Property("equal bytes produce equal fingerprints", prop.ForAll(
		func(data []byte) bool {
			if len(data) == 0 {
				return true
			}
			a, _, errA := h.Digest(bytes.NewReader(data))
			b, _, errB := h.Digest(bytes.NewReader(append([]byte(nil), data...)))
			if errA != nil || errB != nil {
				return false
			}
			return a == b && a == fingerprint.Sum(data)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("a flipped byte changes the fingerprint", prop.ForAll(
		func(data []byte, idx int) bool {
			if len(data) == 0 {
				return true
			}
			i := idx % len(data)
			if i < 0 {
				i = -i
			}
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 0x01
			return fingerprint.Sum(data) != fingerprint.Sum(flipped)
		},
		gen.SliceOf(gen.UInt8()),
		gen.Int(),
	))

	properties.Property("CID round trip", prop.ForAll(
		func(data []byte) bool {
			fp := fingerprint.Sum(data)
			back, err := fingerprint.FromCID(fp.CID().String())
			return err == nil && back == fp
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
