package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the job body on the wire. It only references the record; handlers
// always re-read current state instead of trusting a copy.
type Payload struct {
	PayloadRef string `json:"payloadRef"`
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.PayloadRef) == "" {
		return fmt.Errorf("payloadRef is required")
	}
	return nil
}

func encodePayload(ref string) (string, error) {
	p := Payload{PayloadRef: ref}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid job payload: %w", err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return string(raw), nil
}

func decodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, fmt.Errorf("invalid job payload: %w", err)
	}
	return p, nil
}
