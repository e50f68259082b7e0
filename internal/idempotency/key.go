// Package idempotency derives the fingerprint that guards each (job, directory, payload)
// submission. The store holds a unique constraint on it; the orchestrator inserts a
// row under the key before calling the executor and reports the existing row on conflict.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// KeyLength is the length of every derived key (hex-encoded SHA-256).
const KeyLength = sha256.Size * 2

const (
	unitSep   = "\x1f"
	recordSep = "\x1e"
)

// Derive returns the idempotency key for a directory submission. fields are the
// submission-relevant payload values, keyed by field name.
func Derive(jobID, directory string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	normalized := make(map[string]string, len(fields))
	for name, value := range fields {
		n := strings.ToLower(strings.TrimSpace(name))
		v := normalize(value)
		if n == "" || v == "" {
			continue
		}
		prev, seen := normalized[n]
		if !seen {
			names = append(names, n)
		} else if prev < v {
			// names that collide after normalization keep the smallest value
			continue
		}
		normalized[n] = v
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.TrimSpace(jobID))
	b.WriteString(recordSep)
	b.WriteString(strings.ToLower(strings.TrimSpace(directory)))
	for _, n := range names {
		b.WriteString(recordSep)
		b.WriteString(n)
		b.WriteString(unitSep)
		b.WriteString(normalized[n])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalize(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
