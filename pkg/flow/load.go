package flow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadOperatorFlows loads and validates every *.toml file in flowsDir
// (spec §4.E "Operator flows"). A missing directory yields an empty map,
// not an error. Any single file's validation failure aborts the whole
// load — duplicate flow names across files are a startup failure too.
func LoadOperatorFlows(flowsDir string, logger *slog.Logger) (map[string]Definition, error) {
	definitions := make(map[string]Definition)

	entries, err := os.ReadDir(flowsDir)
	if os.IsNotExist(err) {
		logger.Debug("flows directory does not exist", "dir", flowsDir)
		return definitions, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading flows directory: %w", err)
	}

	var allErrs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(flowsDir, entry.Name())

		var raw DefinitionTOML
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			allErrs = append(allErrs, fmt.Sprintf("failed to parse %s: %v", path, err))
			continue
		}

		def, warnings, err := BuildDefinition(raw)
		for _, w := range warnings {
			logger.Warn("flow validation warning", "flow", w.FlowName, "message", w.Message, "file", path)
		}
		if err != nil {
			allErrs = append(allErrs, fmt.Sprintf("%s (%s)", err, path))
			continue
		}

		if _, exists := definitions[def.Name]; exists {
			allErrs = append(allErrs, fmt.Sprintf("duplicate flow name %q in %s", def.Name, path))
			continue
		}
		logger.Info("loaded operator flow", "flow", def.Name, "file", path)
		definitions[def.Name] = def
	}

	if len(allErrs) > 0 {
		return nil, fmt.Errorf("flow validation errors:\n  %s", strings.Join(allErrs, "\n  "))
	}
	return definitions, nil
}

// ParseDefinitionTOML decodes raw TOML bytes into a DefinitionTOML, for
// agent-authored submissions and the config-diff / validate paths.
func ParseDefinitionTOML(raw string) (DefinitionTOML, error) {
	var t DefinitionTOML
	if _, err := toml.Decode(raw, &t); err != nil {
		return DefinitionTOML{}, err
	}
	return t, nil
}
