// ABOUTME: Envelope construction and validation for the relay wire protocol
// ABOUTME: Every frame is a flat JSON object carrying id, timestamp and type

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a frame is not a JSON object with string id, timestamp and type.
var ErrInvalidMessage = errors.New("invalid message")

// TimestampFormat is the ISO-8601 layout used for envelope timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Header is embedded in every typed payload so the JSON stays flat.
type Header struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// NewHeader stamps a fresh id and the current UTC time.
func NewHeader(msgType string) Header {
	return Header{
		ID:        uuid.New().String(),
		Timestamp: FormatTime(time.Now()),
		Type:      msgType,
	}
}

// FormatTime renders t in envelope timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Envelope is a decoded inbound frame: the header plus the raw bytes for typed decoding.
type Envelope struct {
	Header
	Raw json.RawMessage
}

// Into decodes the full frame into v.
func (e *Envelope) Into(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Decode parses a frame and validates its header.
func Decode(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !hasStringFields(fields) {
		return nil, ErrInvalidMessage
	}

	env := &Envelope{Raw: append(json.RawMessage(nil), data...)}
	_ = json.Unmarshal(fields["id"], &env.ID)
	_ = json.Unmarshal(fields["timestamp"], &env.Timestamp)
	_ = json.Unmarshal(fields["type"], &env.Type)
	return env, nil
}

// IsValidMessage reports whether data is an object with string id, timestamp and type.
func IsValidMessage(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	return hasStringFields(fields)
}

func hasStringFields(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"id", "timestamp", "type"} {
		raw, ok := fields[key]
		if !ok {
			return false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
	}
	return true
}

// CreateMessage encodes payload as an envelope of the given type.
// The payload must encode to a JSON object (or be nil). A non-empty id or timestamp
// already present in the payload is kept so forwarded frames keep their identity;
// the type is always msgType.
func CreateMessage(msgType string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		if string(data) != "null" {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("%s payload is not an object: %w", msgType, err)
			}
		}
	}

	header := NewHeader(msgType)
	if !nonEmptyString(fields["id"]) {
		fields["id"], _ = json.Marshal(header.ID)
	}
	if !nonEmptyString(fields["timestamp"]) {
		fields["timestamp"], _ = json.Marshal(header.Timestamp)
	}
	fields["type"], _ = json.Marshal(msgType)

	return json.Marshal(fields)
}

func nonEmptyString(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}
