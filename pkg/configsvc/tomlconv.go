package configsvc

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/zeroclaw/zeroclaw/pkg/lifecycle"
)

// decodeTOMLToMap parses raw TOML into a generic map, the representation
// masking and diffing both operate on (spec §4.D "serialize to JSON").
func decodeTOMLToMap(raw []byte) (map[string]any, error) {
	var m map[string]any
	if _, err := toml.Decode(string(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing config toml: %w", err)
	}
	return m, nil
}

// encodeMapToTOML re-serializes a generic map back to TOML bytes.
func encodeMapToTOML(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encoding config toml: %w", err)
	}
	return buf.Bytes(), nil
}

// undecodedPaths decodes raw into the typed InstanceConfig schema and
// returns the dotted paths present in raw but not recognized by the
// schema (spec §4.D "unknown_fields_warning").
func undecodedPaths(raw []byte) ([]string, error) {
	var cfg lifecycle.InstanceConfig
	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config toml: %w", err)
	}
	var paths []string
	for _, key := range meta.Undecoded() {
		paths = append(paths, key.String())
	}
	return paths, nil
}
