package messages

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const fingerprintDomain = "courier/message-fingerprint/v1"

// Fingerprint hashes normalized text together with the media identity. Text is NFC-normalized
// and whitespace runs collapse, so re-encoded copies of the same message compare equal.
func Fingerprint(text, mediaIdentity string) string {
	normalized := strings.Join(strings.Fields(norm.NFC.String(text)), " ")
	hasher := sha256.New()
	hasher.Write([]byte(fingerprintDomain))
	hasher.Write([]byte{0x00})
	hasher.Write([]byte(normalized))
	hasher.Write([]byte{0x00})
	hasher.Write([]byte(mediaIdentity))
	return hex.EncodeToString(hasher.Sum(nil))
}
