package messaging

import "encoding/json"

// redactedValue replaces a secret string value on disk (spec §4.B step 6:
// "the original plaintext never reaches disk").
const redactedValue = "***REDACTED***"

// redactPayload recursively walks a JSON payload, replacing the string
// value of any object key present in secretKeys with redactedValue. Returns
// the re-marshaled JSON. Non-object top-level payloads (arrays, scalars)
// are returned unchanged, since the secret-name grammar only applies to
// object keys.
func redactPayload(raw string, secretKeys map[string]bool) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	redactValue(v, secretKeys)
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func redactValue(v any, secretKeys map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if secretKeys[k] {
				if _, isString := child.(string); isString {
					t[k] = redactedValue
					continue
				}
			}
			redactValue(child, secretKeys)
		}
	case []any:
		for _, child := range t {
			redactValue(child, secretKeys)
		}
	}
}

func secretKeySet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
