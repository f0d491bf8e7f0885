// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is either text or a structured key-value mapping, never both.
type Payload struct {
	text       string
	fields     map[string]any
	structured bool
}

// Text returns a text payload.
func Text(s string) Payload {
	return Payload{text: s}
}

// Structured returns a structured payload. The map is not copied.
func Structured(fields map[string]any) Payload {
	return Payload{fields: fields, structured: true}
}

// NewPayload validates v and converts it to a Payload. Strings become text,
// maps become structured data, and any other value is accepted only if its
// JSON encoding is an object.
func NewPayload(v any) (Payload, error) {
	switch val := v.(type) {
	case Payload:
		return val, nil
	case *Payload:
		if val == nil {
			return Payload{}, ErrInvalidPayload
		}
		return *val, nil
	case string:
		return Text(val), nil
	case map[string]any:
		return Structured(val), nil
	case map[string]string:
		fields := make(map[string]any, len(val))
		for k, s := range val {
			fields[k] = s
		}
		return Structured(fields), nil
	case nil:
		return Payload{}, ErrInvalidPayload
	}

	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	var fields map[string]any
	if !isObject(b) || json.Unmarshal(b, &fields) != nil {
		return Payload{}, fmt.Errorf("%w: got %T", ErrInvalidPayload, v)
	}
	return Structured(fields), nil
}

// IsText reports whether p holds text.
func (p Payload) IsText() bool {
	return !p.structured
}

// String returns the text value, or "" for structured payloads.
func (p Payload) String() string {
	return p.text
}

// Fields returns the structured value, or nil for text payloads.
func (p Payload) Fields() map[string]any {
	return p.fields
}

// Value returns the payload as a plain Go value.
func (p Payload) Value() any {
	if p.structured {
		return p.fields
	}
	return p.text
}

// IsZero reports whether the payload is empty text or an empty mapping.
func (p Payload) IsZero() bool {
	if p.structured {
		return len(p.fields) == 0
	}
	return p.text == ""
}

// MarshalJSON encodes text as a JSON string and structured data as an object.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.structured {
		if p.fields == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(p.fields)
	}
	return json.Marshal(p.text)
}

// UnmarshalJSON accepts a JSON string or object.
func (p *Payload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		*p = Text(s)
		return nil
	case isObject(b):
		var fields map[string]any
		if err := json.Unmarshal(b, &fields); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		*p = Structured(fields)
		return nil
	default:
		return fmt.Errorf("%w: unexpected JSON %.32q", ErrInvalidPayload, b)
	}
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
