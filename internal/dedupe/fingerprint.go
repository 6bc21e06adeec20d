// Package dedupe detects exact and near-duplicate submissions using a
// SHA-256 content hash and a 64-bit SimHash fingerprint.
package dedupe

import (
	"crypto/sha256"
	"encoding/base64"
	"hash/fnv"
	"math/bits"
	"strings"

	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/normalize"
)

// MaxTokens bounds the number of unigram+bigram features hashed per message.
const MaxTokens = 512

// BuildFingerprint normalizes raw text and derives both dedup keys from the
// same normalized string.
func BuildFingerprint(raw string) model.Fingerprint {
	normalized := normalize.Normalize(raw)
	return model.Fingerprint{
		NormalizedText: normalized,
		Hash:           ContentHash(normalized),
		SimHash:        ToSigned(SimHash(normalized)),
	}
}

// ContentHash returns the base64 SHA-256 digest of normalized text.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Tokens splits normalized text into unigrams followed by bigrams, capped at MaxTokens.
func Tokens(normalized string) []string {
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return nil
	}

	tokens := make([]string, 0, min(2*len(words)-1, MaxTokens))
	for _, w := range words {
		if len(tokens) == MaxTokens {
			return tokens
		}
		tokens = append(tokens, w)
	}
	for i := 0; i+1 < len(words); i++ {
		if len(tokens) == MaxTokens {
			return tokens
		}
		tokens = append(tokens, words[i]+" "+words[i+1])
	}
	return tokens
}

// SimHash computes the 64-bit SimHash of normalized text. Empty input yields 0.
func SimHash(normalized string) uint64 {
	tokens := Tokens(normalized)
	if len(tokens) == 0 {
		return 0
	}

	var acc [64]int
	for _, tok := range tokens {
		h := tokenHash(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				acc[bit]++
			} else {
				acc[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if acc[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

func tokenHash(tok string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tok))
	return h.Sum64()
}

// ToSigned reinterprets an unsigned fingerprint as two's-complement int64 for storage.
func ToSigned(u uint64) int64 {
	return int64(u)
}

// ToUnsigned reverses ToSigned.
func ToUnsigned(s int64) uint64 {
	return uint64(s)
}

// Hamming returns the number of differing bits between two fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// BandCount is the number of bands the fingerprint is split into for the
// band index. With 5 bands any two fingerprints within Hamming distance 4
// agree exactly on at least one band.
const BandCount = 5

var bandWidths = [BandCount]uint{13, 13, 13, 13, 12}

// Bands splits a fingerprint into BandCount integer keys.
func Bands(u uint64) [BandCount]int64 {
	var out [BandCount]int64
	var shift uint
	for i, w := range bandWidths {
		mask := uint64(1)<<w - 1
		out[i] = int64((u >> shift) & mask)
		shift += w
	}
	return out
}
