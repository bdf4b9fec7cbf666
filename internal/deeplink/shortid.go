package deeplink

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ShortIDLength is the length of every generated id, one random byte per character.
const ShortIDLength = 9

// Bytes at or above this value are redrawn so every character is equally likely.
const unbiasedLimit = 256 - 256%len(alphabet)

var shortIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{6,16}$`)

// NewShortID returns a ShortIDLength-character base62 id drawn from crypto randomness.
func NewShortID() (string, error) {
	out := make([]byte, 0, ShortIDLength)
	buf := make([]byte, ShortIDLength)
	for len(out) < ShortIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= unbiasedLimit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == ShortIDLength {
				break
			}
		}
	}
	return string(out), nil
}

// LooksLikeShortID reports whether s could be a bare short id rather than an
// encoded payload.
func LooksLikeShortID(s string) bool {
	return shortIDPattern.MatchString(s)
}
