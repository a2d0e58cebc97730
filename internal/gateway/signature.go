package gateway

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Params excluded from the signature base string.
const (
	ParamSignature               = "signature"
	ParamResponseSignatureString = "response_signature_string"
)

// Sign computes sha1(secret|v1|v2|...) over the non-empty values of params
// ordered by key.
func Sign(secret string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == ParamSignature || k == ParamResponseSignatureString {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, secret)
	for _, k := range keys {
		parts = append(parts, params[k])
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether params carry a valid signature.
func Verify(secret string, params map[string]string) bool {
	got := strings.ToLower(strings.TrimSpace(params[ParamSignature]))
	if got == "" || secret == "" {
		return false
	}
	want := Sign(secret, params)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
