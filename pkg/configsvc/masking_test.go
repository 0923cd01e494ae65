package configsvc

import "testing"

// TestMaskConfigNoSecretLeakage is the secret non-leakage invariant from
// spec §8: every plaintext secret value identified by plaintextSecretLeaves
// must not appear anywhere in maskConfig's output.
func TestMaskConfigNoSecretLeakage(t *testing.T) {
	m := map[string]any{
		"default_provider": "openai",
		"gateway": map[string]any{
			"host":           "0.0.0.0",
			"port":           int64(18801),
			"webhook_secret": "whsec_abc123",
			"paired_tokens":  []any{"tok_one", "tok_two"},
		},
		"model_routes": []any{
			map[string]any{
				"provider":  "openai",
				"model":     "gpt-5",
				"api_key":   "sk-live-deadbeef",
				"api_secret": "sec-live-cafebabe",
			},
		},
		"integrations": map[string]any{
			"telegram_bot_token": "123456:ABCDEF",
		},
	}

	leaves := plaintextSecretLeaves(m)
	if len(leaves) != 6 {
		t.Fatalf("plaintextSecretLeaves returned %d values, want 6: %+v", len(leaves), leaves)
	}

	masked := maskConfig(m)
	for _, leaf := range leaves {
		if containsString(masked, leaf) {
			t.Fatalf("masked config still contains plaintext secret %q", leaf)
		}
	}

	gw := masked["gateway"].(map[string]any)
	if gw["webhook_secret"] != MaskSentinel {
		t.Errorf("gateway.webhook_secret = %v, want %v", gw["webhook_secret"], MaskSentinel)
	}
	for _, tok := range gw["paired_tokens"].([]any) {
		if tok != MaskSentinel {
			t.Errorf("paired_tokens entry = %v, want %v", tok, MaskSentinel)
		}
	}

	// The original map is untouched (maskConfig deep-copies).
	if m["gateway"].(map[string]any)["webhook_secret"] != "whsec_abc123" {
		t.Fatal("maskConfig mutated the input map")
	}
}

func TestMaskConfigLeavesNullUntouched(t *testing.T) {
	m := map[string]any{
		"gateway": map[string]any{
			"webhook_secret": nil,
		},
	}
	masked := maskConfig(m)
	if masked["gateway"].(map[string]any)["webhook_secret"] != nil {
		t.Fatal("null secret leaf should be left untouched, not masked")
	}
}

// containsString reports whether want appears as a string value anywhere
// in the nested map/slice structure v.
func containsString(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case map[string]any:
		for _, child := range t {
			if containsString(child, want) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if containsString(child, want) {
				return true
			}
		}
	}
	return false
}
