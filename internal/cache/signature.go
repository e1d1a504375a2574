package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"
	"strings"
)

// Buckets are the coarse bins sampling parameters are rounded to before
// hashing, so near-identical requests share a signature
type Buckets struct {
	Temperature float64
	MaxTokens   int
	Words       int
}

// DefaultBuckets mirrors the config defaults
var DefaultBuckets = Buckets{Temperature: 0.1, MaxTokens: 256, Words: 100}

// SignatureInput is everything that decides what a scene generation returns
type SignatureInput struct {
	Beats            []string
	RequiredEntities []string
	EntryState       string
	ExitState        string
	StakesDelta      string
	PriorDigest      string
	PreviousRecap    string
	Model            string
	Template         string
	Temperature      float64
	MaxTokens        int
	TargetWords      int
	Buckets          Buckets
}

// Signature returns the hex SHA-256 of a canonical encoding of in.
// Equal inputs always produce the same signature in any process.
func Signature(in SignatureInput) string {
	b := in.Buckets
	if b.Temperature <= 0 {
		b.Temperature = DefaultBuckets.Temperature
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = DefaultBuckets.MaxTokens
	}
	if b.Words <= 0 {
		b.Words = DefaultBuckets.Words
	}

	beats := make([]string, 0, len(in.Beats))
	for _, beat := range in.Beats {
		if n := normalize(beat); n != "" {
			beats = append(beats, n)
		}
	}

	h := sha256.New()
	field(h, "beats", strings.Join(beats, "\n"))
	field(h, "entities", strings.Join(normalizeSet(in.RequiredEntities), "\n"))
	field(h, "entry", normalize(in.EntryState))
	field(h, "exit", normalize(in.ExitState))
	field(h, "stakes", normalize(in.StakesDelta))
	field(h, "digest", HashText(in.PriorDigest))
	field(h, "recap", HashText(in.PreviousRecap))
	field(h, "model", strings.ToLower(strings.TrimSpace(in.Model)))
	field(h, "template", HashText(in.Template))
	field(h, "temperature", fmt.Sprintf("%.3f", roundTo(in.Temperature, b.Temperature)))
	field(h, "max_tokens", fmt.Sprintf("%d", ceilTo(in.MaxTokens, b.MaxTokens)))
	field(h, "words", fmt.Sprintf("%d", nearestTo(in.TargetWords, b.Words)))
	return hex.EncodeToString(h.Sum(nil))
}

// HashText is the hex SHA-256 of s, or "" for empty input
func HashText(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Length-prefixed so adjacent fields can never run into each other
func field(h hash.Hash, name, value string) {
	fmt.Fprintf(h, "%s:%d:%s\n", name, len(value), value)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := normalize(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func roundTo(v, bin float64) float64 {
	return math.Round(v/bin) * bin
}

func ceilTo(v, bin int) int {
	if v <= 0 {
		return 0
	}
	return ((v + bin - 1) / bin) * bin
}

func nearestTo(v, bin int) int {
	if v <= 0 {
		return 0
	}
	return int(math.Round(float64(v)/float64(bin))) * bin
}
