package authz

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nmatss/servicedesk-core/internal/obs"
)

// Conditions is a flat attribute-equality rule set. Every key must equal the
// corresponding key in the supplied context for the rule to hold.
type Conditions map[string]string

// DecodeConditions parses a stored condition payload strictly. Nested
// structures are rejected; this runs at the store write boundary so malformed
// payloads never reach evaluation.
func DecodeConditions(raw []byte) (Conditions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: condition payload is not a JSON object", ErrInvalidInput)
	}
	if len(decoded) == 0 {
		return nil, nil
	}
	out := make(Conditions, len(decoded))
	for key, value := range decoded {
		s, ok := scalarString(value)
		if !ok {
			return nil, fmt.Errorf("%w: condition %q must be a scalar", ErrInvalidInput, key)
		}
		out[key] = s
	}
	return out, nil
}

// unreadableKey marks a condition set recovered from a payload that failed
// decoding. Match refuses such a set outright, so a grant whose stored
// condition cannot be read never widens into an unconditional grant.
const unreadableKey = "\x00unreadable"

// Unsatisfiable returns a condition set that no context can satisfy.
func Unsatisfiable() Conditions {
	return Conditions{unreadableKey: ""}
}

// DecodeConditionsLenient parses a condition payload on the read path. A
// malformed payload degrades to an unsatisfiable rule set: the grant is
// ignored rather than widened, and evaluation never crashes the caller.
func DecodeConditionsLenient(raw []byte) Conditions {
	conds, err := DecodeConditions(raw)
	if err != nil {
		obs.Log(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"type":  "condition_decode_error",
			"error": err.Error(),
		})
		return Unsatisfiable()
	}
	return conds
}

// Match reports whether every condition key equals the supplied context
// value. A missing key means the condition is not satisfied; an unreadable
// set is never satisfied.
func (c Conditions) Match(ctx map[string]string) bool {
	if _, unreadable := c[unreadableKey]; unreadable {
		return false
	}
	if len(c) == 0 {
		return true
	}
	if ctx == nil {
		return false
	}
	for key, want := range c {
		got, ok := ctx[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Encode serializes conditions for storage. Empty conditions encode as nil so
// the column stays NULL.
func (c Conditions) Encode() ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return json.Marshal(c)
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
