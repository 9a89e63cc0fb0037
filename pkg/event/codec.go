package event

import (
	"encoding/json"
	"fmt"

	"github.com/gitguard-io/gitguard/pkg/canonicalize"
)

// Encode serializes a normalized event to canonical JSON (RFC 8785).
// Canonical bytes make stream payloads and digests deterministic:
// Decode(Encode(e)) == e for any normalized event.
func Encode(e Event) ([]byte, error) {
	data, err := canonicalize.JCS(Canonicalize(e))
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return data, nil
}

// Decode parses canonical JSON back into an Event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	return e, nil
}

// Digest returns the content digest of the canonical encoding.
func Digest(e Event) (string, error) {
	data, err := Encode(e)
	if err != nil {
		return "", err
	}
	return canonicalize.Digest(data), nil
}
