package core

import "strings"

const RedactedValue = "[REDACTED]"

// secretKeyMarkers mark a log or metadata key as carrying credential material.
var secretKeyMarkers = []string{
	"authorization",
	"secret",
	"token",
	"password",
	"credential",
	"api_key",
	"apikey",
	"signature",
	"code_verifier",
}

// visibleKeys stay readable even when they contain a marker, so events can
// still be correlated.
var visibleKeys = map[string]bool{
	"instance_id":     true,
	"credential_ref":  true,
	"event_id":        true,
	"payment_id":      true,
	"idempotency_key": true,
	"request_id":      true,
	"trace_id":        true,
}

// RedactSensitiveMap returns a copy of fields with secret values masked,
// walking nested maps and slices.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if isSecretKey(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return RedactSensitiveMap(v)
	case []any:
		items := make([]any, 0, len(v))
		for _, item := range v {
			items = append(items, redactValue(item))
		}
		return items
	}
	return value
}

func isSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || visibleKeys[key] {
		return false
	}
	for _, marker := range secretKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
