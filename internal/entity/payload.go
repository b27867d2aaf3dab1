package entity

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the handler-specific document carried by a job.
type Payload map[string]any

// CaseKeys are the aliases producers have used for the case identifier.
var CaseKeys = []string{"case_number", "caseNumber", "case_id", "judgment_id", "id"}

// maxUnwrapDepth bounds payload.payload unwrapping.
const maxUnwrapDepth = 4

// NormalizePayload unwraps producer-side double wrapping ({"payload": {"payload": {...}}} or
// a full envelope stored as the message) into the innermost document. Envelope fields found on
// the way are returned so callers can recover kind and idempotency key.
func NormalizePayload(raw map[string]any) (Payload, Envelope) {
	var env Envelope
	cur := raw
	for i := 0; i < maxUnwrapDepth && cur != nil && isEnvelope(cur); i++ {
		if k, ok := cur["kind"].(string); ok && env.Kind == "" {
			env.Kind = k
		}
		if k, ok := cur["idempotency_key"].(string); ok && env.IdempotencyKey == "" {
			env.IdempotencyKey = k
		}

		inner, ok := nestedMap(cur, "payload")
		if !ok {
			inner, ok = nestedMap(cur, "body")
		}
		if !ok {
			break
		}
		cur = inner
	}
	if cur == nil {
		cur = map[string]any{}
	}
	env.Payload = Payload(cur)
	return env.Payload, env
}

// isEnvelope reports whether m only carries wrapper fields.
func isEnvelope(m map[string]any) bool {
	for k := range m {
		switch k {
		case "kind", "payload", "body", "idempotency_key":
		default:
			return false
		}
	}
	return true
}

func nestedMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Payload:
		return t, true
	case string:
		// some producers store the document as a JSON string
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err == nil && out != nil {
			return out, true
		}
	}
	return nil, false
}

// Lookup returns the first non-empty value among keys rendered as a string.
func (p Payload) Lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case json.Number:
			return t.String(), true
		case int:
			return strconv.Itoa(t), true
		case int64:
			return strconv.FormatInt(t, 10), true
		}
	}
	return "", false
}

// CaseNumber extracts the case identifier the payload refers to.
func (p Payload) CaseNumber() (string, bool) {
	return p.Lookup(CaseKeys...)
}
