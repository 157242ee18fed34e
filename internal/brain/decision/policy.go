package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

const (
	DefaultConfidenceFloor = 0.5
	DefaultMaxPayloadBytes = 64 * 1024
)

// Policy is the rule set applied at the validation stage
type Policy struct {
	ConfidenceFloor float64
	MaxPayloadBytes int
	// Schemas lists the top-level payload fields required per decision kind
	Schemas map[string][]string
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceFloor: DefaultConfidenceFloor,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

// Clone returns a copy that shares no maps with p
func (p Policy) Clone() Policy {
	c := p
	if p.Schemas != nil {
		c.Schemas = make(map[string][]string, len(p.Schemas))
		for k, v := range p.Schemas {
			c.Schemas[k] = append([]string(nil), v...)
		}
	}
	return c
}

// Validate checks the policy itself
func (p Policy) Validate() error {
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		return fmt.Errorf("%w: confidence floor %.3f outside [0,1]", ErrInvalidArgument, p.ConfidenceFloor)
	}
	if p.MaxPayloadBytes < 0 {
		return fmt.Errorf("%w: max payload bytes must not be negative", ErrInvalidArgument)
	}
	return nil
}

// check applies the stateless rules in order: schema, size, confidence.
// It returns the failing reason, or "" when the decision passes.
func (p Policy) check(d *Decision) (Reason, string) {
	if d.AgentID == "" {
		return ReasonSchemaInvalid, "proposing agent id is required"
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return ReasonSchemaInvalid, fmt.Sprintf("confidence %.3f outside [0,1]", d.Confidence)
	}
	if len(bytes.TrimSpace(d.Payload)) == 0 {
		return ReasonSchemaInvalid, "payload is required"
	}
	if !json.Valid(d.Payload) {
		return ReasonSchemaInvalid, "payload is not valid JSON"
	}
	if required := p.Schemas[d.Kind]; len(required) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(d.Payload, &obj); err != nil {
			return ReasonSchemaInvalid, fmt.Sprintf("kind %q requires a JSON object payload", d.Kind)
		}
		for _, field := range required {
			if _, ok := obj[field]; !ok {
				return ReasonSchemaInvalid, fmt.Sprintf("kind %q requires field %q", d.Kind, field)
			}
		}
	}
	if p.MaxPayloadBytes > 0 && len(d.Payload) > p.MaxPayloadBytes {
		return ReasonPayloadTooLarge, fmt.Sprintf("payload is %d bytes, limit %d", len(d.Payload), p.MaxPayloadBytes)
	}
	if d.Confidence < p.ConfidenceFloor {
		return ReasonConfidenceBelowFloor, fmt.Sprintf("confidence %.3f below floor %.3f", d.Confidence, p.ConfidenceFloor)
	}
	return "", ""
}

// SamePayload reports whether two JSON payloads are semantically equal, ignoring
// key order and whitespace. Invalid JSON falls back to byte comparison.
func SamePayload(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}
