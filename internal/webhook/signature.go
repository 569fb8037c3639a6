package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// ValidateSignature verifies a webhook payload against its signature header.
//
// The header has the form "algorithm=hexdigest" (e.g. "sha256=5d41..."), where
// the digest is the keyed hash of the raw body under the shared secret. Only
// sha256 and sha1 are accepted. Comparison is constant time.
//
// Returns false, never an error, for any malformed input: missing signature,
// missing body, missing secret, unsupported algorithm, a header with no "=",
// an empty or non-hex digest, or a digest of the wrong length.
func ValidateSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	algo, provided, ok := strings.Cut(signature, "=")
	if !ok || provided == "" {
		return false
	}

	var mac hash.Hash
	switch algo {
	case "sha256":
		mac = hmac.New(sha256.New, []byte(secret))
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	default:
		return false
	}

	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac.Write(body)
	expected := mac.Sum(nil)
	if len(providedBytes) != len(expected) {
		return false
	}
	return hmac.Equal(expected, providedBytes)
}

// Sign computes the signature header value for a payload. Used by tests and
// by internal callers that need to call their own endpoints.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
