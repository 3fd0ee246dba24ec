package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// EncoderDimension is the fixed embedding width used throughout the store.
const EncoderDimension = 256

// Encoder produces a fixed-width embedding from content. Implementations
// may call out to a real embedding model; the core package only depends on
// this interface so no specific provider is assumed.
type Encoder interface {
	// Encode returns a vector of length Dimension(), or an error if the
	// content could not be embedded.
	Encode(ctx context.Context, content any) ([]float64, error)
	Dimension() int
}

// HashEncoder is a deterministic, model-free fallback encoder: it hashes a
// JSON-ish rendering of the content into EncoderDimension buckets and
// L2-normalizes the result. It produces the same vector for the same
// content every time, which is what the test suite and any offline mode
// rely on.
type HashEncoder struct{}

// NewHashEncoder returns the deterministic fallback encoder.
func NewHashEncoder() *HashEncoder { return &HashEncoder{} }

func (HashEncoder) Dimension() int { return EncoderDimension }

func (HashEncoder) Encode(_ context.Context, content any) ([]float64, error) {
	text := fmt.Sprintf("%v", content)
	vec := make([]float64, EncoderDimension)

	// Hash each 4-rune shingle independently and fold it into one bucket.
	// This is a bag-of-shingles fallback, not a semantic embedding — it
	// only needs to be stable and place similar text near each other
	// often enough for search/clustering to be exercised without a real
	// model.
	shingle := 4
	runes := []rune(text)
	if len(runes) == 0 {
		return vec, nil
	}

	for i := 0; i < len(runes); i++ {
		end := i + shingle
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[i:end])

		sum := sha256.Sum256([]byte(chunk))

		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(EncoderDimension)
		sign := 1.0
		if sum[4]&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	return normalize(vec), nil
}
