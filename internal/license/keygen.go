package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	keySegments   = 4
	keySegmentLen = 5
)

// keyPattern accepts the grouped alphanumeric shape of a license key.
// It is intentionally wider than what GenerateKey emits (uppercase hex) so
// that keys issued by earlier generations of the product keep validating.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{5}(-[A-Z0-9]{5}){3}$`)

// GenerateKey produces a new license key: four segments of five uppercase
// hex characters, e.g. 7F3A1-09BC4-D21E8-5A6F0. That is 20 characters of
// entropy-backed material, drawn from crypto/rand; a predictable source
// here would make keys guessable, which is a correctness bug.
//
// GenerateKey has no persistence side effect. Uniqueness is the caller's
// problem: the store's UNIQUE constraint on license_key is the arbiter.
func GenerateKey() (string, error) {
	segments := make([]string, 0, keySegments)
	for i := 0; i < keySegments; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("license: reading secure random source: %w", err)
		}
		seg := strings.ToUpper(hex.EncodeToString(buf))[:keySegmentLen]
		segments = append(segments, seg)
	}
	return strings.Join(segments, "-"), nil
}

// ValidKeyFormat reports whether s looks like a license key. This is a
// boundary check only; whether the key exists is the store's call.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}
