package hashchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Content is the hashed portion of an event.
type Content struct {
	Timestamp  string
	Type       string
	OperatorID string
	RigID      *int
	Payload    json.RawMessage
}

// envelope fixes the key order of the canonical form.
type envelope struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Operator  string          `json:"operator"`
	Rig       *int            `json:"rig"`
	Data      json.RawMessage `json:"data"`
}

// CanonicalPayload marshals v and rewrites it in RFC 8785 form. A nil v
// becomes the empty object.
func CanonicalPayload(v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		raw = []byte("{}")
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrCanonicalization.Code, "marshal payload", err)
		}
		raw = b
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrCanonicalization.Code, "transform payload", err)
	}
	return out, nil
}

// Canonical serializes c with a fixed key order (timestamp, type, operator,
// rig, data) and NFC-normalized text, so one logical event always yields the
// same string.
func Canonical(c Content) (string, error) {
	data := c.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope{
		Timestamp: c.Timestamp,
		Type:      c.Type,
		Operator:  c.OperatorID,
		Rig:       c.RigID,
		Data:      data,
	}); err != nil {
		return "", fmt.Errorf("encode canonical content: %w", err)
	}
	return norm.NFC.String(strings.TrimSuffix(buf.String(), "\n")), nil
}
