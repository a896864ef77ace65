package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math/bits"
	"regexp"
	"sort"
	"strings"
)

// Payload keys that never contribute to semantic identity
var volatileKeys = map[string]bool{
	"timestamp":   true,
	"delivery_id": true,
	"sequence":    true,
	"event_time":  true,
	"received_at": true,
	"updated_at":  true,
}

// Timestamp-like substrings inside free text (ISO-8601 forms, bare clock
// times, epoch-ish digit runs) are stripped before hashing so that two
// deliveries differing only in an embedded timestamp hash identically.
var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	clockTimeRe    = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\s*(AM|PM|am|pm)?\b`)
	epochRe        = regexp.MustCompile(`\b1\d{9}(\d{3})?\b`)
)

func stripVolatileText(s string) string {
	s = isoTimestampRe.ReplaceAllString(s, "")
	s = clockTimeRe.ReplaceAllString(s, "")
	s = epochRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ContentHash computes the strong content hash over the normalized payload
// with volatile fields stripped. Keys are rendered in sorted order so the
// hash is independent of map iteration.
func ContentHash(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if volatileKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(stripVolatileText(payload[k])))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// SimilarityHash computes a 64-bit simhash over lower-cased word shingles
// of the event's human text (title, summary, body). Near-duplicate texts
// land within a small Hamming distance of each other.
func SimilarityHash(text string) uint64 {
	words := wordRe.FindAllString(strings.ToLower(stripVolatileText(text)), -1)
	if len(words) == 0 {
		return 0
	}

	var counts [64]int
	shingle := func(s string) {
		h := fnv.New64a()
		h.Write([]byte(s))
		v := h.Sum64()
		for i := 0; i < 64; i++ {
			if v&(1<<uint(i)) != 0 {
				counts[i]++
			} else {
				counts[i]--
			}
		}
	}

	// Unigrams plus bigrams; bigrams preserve some word order
	for i, w := range words {
		shingle(w)
		if i+1 < len(words) {
			shingle(w + " " + words[i+1])
		}
	}

	var out uint64
	for i := 0; i < 64; i++ {
		if counts[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// HammingDistance counts differing bits between two similarity hashes
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
