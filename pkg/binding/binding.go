// Package binding computes the secret-free correlation between a request
// and the artifact conveyed for it. Anyone holding the four inputs can
// recompute a binding, so it proves the relayed fields are consistent,
// not who produced them.
package binding

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Tag is the default domain-separation tag mixed into every binding.
const Tag = "RELAYMESH_BIND_V2"

// DigestLen is the length of a hex encoded fingerprint or binding.
const DigestLen = 2 * sha256.Size

// Fingerprint returns the hex SHA-256 digest of a raw request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Bind derives the binding token for {tag, fingerprint, context, domain}.
func Bind(tag, fingerprint, context, domain string) string {
	return digest(tag, fingerprint, context, domain)
}

// Verify recomputes the binding and compares it in constant time.
func Verify(tag, fingerprint, context, domain, binding string) bool {
	want := Bind(tag, fingerprint, context, domain)
	return subtle.ConstantTimeCompare([]byte(want), []byte(binding)) == 1
}

// CorrelationID groups every provider vote for one logical request.
func CorrelationID(fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return "RID_" + fingerprint
}

// OperationID names a provider-side operation for its boundary trail.
func OperationID(fingerprint, context, domain string) string {
	return digest(fingerprint, context, domain)
}

// WellFormed reports whether s looks like a digest produced by this package:
// exactly DigestLen lowercase hex characters.
func WellFormed(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func digest(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
