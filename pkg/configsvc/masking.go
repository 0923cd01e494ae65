package configsvc

import "fmt"

// MaskSentinel is the literal placeholder standing in for any secret value
// in an outbound representation (spec §4.D, glossary "Mask sentinel").
const MaskSentinel = "***MASKED***"

// The secret path enumeration is closed and hard-coded (spec §4.D): two
// scalar leaves, plus two array-of-table fields and one array-of-scalars.
// Resolved per DESIGN.md Open Question 4, consulting
// original_source/src/cp/masking.rs as the ambiguity-resolution authority.
var scalarSecretPaths = [][]string{
	{"gateway", "webhook_secret"},
	{"integrations", "telegram_bot_token"},
}

const pairedTokensKey = "paired_tokens"

var modelRouteSecretFields = []string{"api_key", "api_secret"}

// maskConfig returns a deep copy of m with every secret leaf replaced by
// MaskSentinel. Null leaves are left untouched (spec §4.D "Masking never
// mutates null leaves").
func maskConfig(m map[string]any) map[string]any {
	masked := deepCopyMap(m)
	for _, path := range scalarSecretPaths {
		maskScalarLeaf(masked, path)
	}
	maskPairedTokens(masked)
	for _, field := range modelRouteSecretFields {
		maskModelRouteField(masked, field)
	}
	return masked
}

func navigateToParent(m map[string]any, path []string) (map[string]any, string, bool) {
	cur := m
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p]
		if !ok {
			return nil, "", false
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return nil, "", false
		}
		cur = nm
	}
	return cur, path[len(path)-1], true
}

func maskScalarLeaf(m map[string]any, path []string) {
	parent, key, ok := navigateToParent(m, path)
	if !ok {
		return
	}
	if v, exists := parent[key]; exists && v != nil {
		if _, isStr := v.(string); isStr {
			parent[key] = MaskSentinel
		}
	}
}

// gatewayPort extracts gateway.port from a decoded config map. ok is false
// if the field is absent or not numeric, in which case the caller treats
// the port as untouched rather than raising a spurious mismatch.
func gatewayPort(m map[string]any) (int, bool) {
	gw, ok := m["gateway"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := gw["port"].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func maskPairedTokens(m map[string]any) {
	gw, ok := m["gateway"].(map[string]any)
	if !ok {
		return
	}
	arr, ok := gw[pairedTokensKey].([]any)
	if !ok {
		return
	}
	for i, v := range arr {
		if _, isStr := v.(string); isStr {
			arr[i] = MaskSentinel
		}
	}
}

func maskModelRouteField(m map[string]any, field string) {
	for _, entry := range modelRouteEntries(m) {
		if v, exists := entry[field]; exists && v != nil {
			if _, isStr := v.(string); isStr {
				entry[field] = MaskSentinel
			}
		}
	}
}

func modelRouteEntries(m map[string]any) []map[string]any {
	arr, ok := m["model_routes"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

// preserveSentinels mutates incoming in place: wherever it carries the
// mask sentinel at a known secret path, the current value is copied back
// in (or the path is reported dangling if current has no value there).
// Paths where incoming carries a genuine non-sentinel secret are reported
// as newSecrets (spec §4.D PUT steps 3-4).
func preserveSentinels(incoming, current map[string]any) (dangling, newSecrets []string) {
	for _, path := range scalarSecretPaths {
		label := fmt.Sprintf("%s.%s", path[0], path[1])
		preserveScalarSentinel(incoming, current, path, label, &dangling, &newSecrets)
	}
	preservePairedTokensSentinel(incoming, current, &dangling, &newSecrets)
	for _, field := range modelRouteSecretFields {
		preserveModelRouteFieldSentinel(incoming, current, field, &dangling, &newSecrets)
	}
	return dangling, newSecrets
}

func preserveScalarSentinel(incoming, current map[string]any, path []string, label string, dangling, newSecrets *[]string) {
	parent, key, ok := navigateToParent(incoming, path)
	if !ok {
		return
	}
	v, exists := parent[key]
	if !exists || v == nil {
		return
	}
	s, ok := v.(string)
	if !ok {
		return
	}
	if s == MaskSentinel {
		curParent, curKey, curOK := navigateToParent(current, path)
		var curVal any
		if curOK {
			curVal = curParent[curKey]
		}
		if curVal == nil {
			*dangling = append(*dangling, label)
			return
		}
		parent[key] = curVal
		return
	}
	if s != "" {
		*newSecrets = append(*newSecrets, label)
	}
}

func preservePairedTokensSentinel(incoming, current map[string]any, dangling, newSecrets *[]string) {
	inGw, ok := incoming["gateway"].(map[string]any)
	if !ok {
		return
	}
	inArr, ok := inGw[pairedTokensKey].([]any)
	if !ok {
		return
	}

	var curArr []any
	if curGw, ok := current["gateway"].(map[string]any); ok {
		curArr, _ = curGw[pairedTokensKey].([]any)
	}

	for i, v := range inArr {
		s, ok := v.(string)
		if !ok {
			continue
		}
		label := fmt.Sprintf("gateway.paired_tokens[%d]", i)
		if s == MaskSentinel {
			if i >= len(curArr) || curArr[i] == nil {
				*dangling = append(*dangling, label)
				continue
			}
			inArr[i] = curArr[i]
			continue
		}
		if s != "" {
			*newSecrets = append(*newSecrets, label)
		}
	}
}

func preserveModelRouteFieldSentinel(incoming, current map[string]any, field string, dangling, newSecrets *[]string) {
	inEntries := modelRouteEntries(incoming)
	curEntries := modelRouteEntries(current)

	for i, entry := range inEntries {
		v, exists := entry[field]
		if !exists || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		label := fmt.Sprintf("model_routes[%d].%s", i, field)
		if s == MaskSentinel {
			var curVal any
			if i < len(curEntries) {
				curVal = curEntries[i][field]
			}
			if curVal == nil {
				*dangling = append(*dangling, label)
				continue
			}
			entry[field] = curVal
			continue
		}
		if s != "" {
			*newSecrets = append(*newSecrets, label)
		}
	}
}

// plaintextSecretLeaves collects every current plaintext secret value, for
// the leak-test helper (spec §8 "Secret non-leakage").
func plaintextSecretLeaves(m map[string]any) []string {
	var out []string
	for _, path := range scalarSecretPaths {
		if parent, key, ok := navigateToParent(m, path); ok {
			if s, ok := parent[key].(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if gw, ok := m["gateway"].(map[string]any); ok {
		if arr, ok := gw[pairedTokensKey].([]any); ok {
			for _, v := range arr {
				if s, ok := v.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	for _, entry := range modelRouteEntries(m) {
		for _, field := range modelRouteSecretFields {
			if s, ok := entry[field].(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
