package configsvc

import "encoding/json"

// deepCopyMap clones a decoded-TOML map via a JSON round trip. The configs
// this operates on are small (one instance's config.toml); a round trip is
// simpler and less error-prone than a hand-rolled recursive copy.
func deepCopyMap(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		// m was decoded from TOML into plain maps/slices/scalars; it is
		// always JSON-marshalable.
		panic("configsvc: unmarshalable config map: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("configsvc: unmarshalable config map: " + err.Error())
	}
	return out
}
