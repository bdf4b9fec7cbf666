// Package deeplink encodes deep link payloads into start tokens and issues
// stored deep links for outbound CTAs.
package deeplink

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"companion/internal/domain"
)

// ErrMalformedPayload is returned when a token does not decode to a payload
// carrying both "dl" and "f".
var ErrMalformedPayload = errors.New("malformed deep link payload")

// Payload is the structured context carried inside a start token.
type Payload struct {
	DL         string      `json:"dl"`
	Flow       domain.Flow `json:"f"`
	Topic      string      `json:"t,omitempty"`
	EntityRef  string      `json:"e,omitempty"`
	SourcePage string      `json:"s,omitempty"`
}

// Encode serializes p into a URL-safe, unpadded base64 token.
func Encode(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal deep link payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Tokens produced with standard base64 characters or
// with padding are accepted as well.
func Decode(token string) (Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, ErrMalformedPayload
	}
	token = strings.NewReplacer("+", "-", "/", "_").Replace(token)
	token = strings.TrimRight(token, "=")

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}
	if p.DL == "" || p.Flow == "" {
		return Payload{}, fmt.Errorf("%w: dl and f are required", ErrMalformedPayload)
	}
	return p, nil
}
