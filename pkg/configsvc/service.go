// Package configsvc implements the Config Service component: ETag-guarded
// instance config GET/PUT/VALIDATE/DIFF with secret masking, sentinel
// preservation, and field-level diff (spec §4.D).
package configsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeroclaw/zeroclaw/internal/registry"
	"github.com/zeroclaw/zeroclaw/pkg/lifecycle"
)

// Service implements the Config Service operations.
type Service struct {
	store     *registry.Store
	lifecycle *lifecycle.Service
}

// NewService constructs a configsvc Service.
func NewService(store *registry.Store, lc *lifecycle.Service) *Service {
	return &Service{store: store, lifecycle: lc}
}

// GetResult is the response shape for GET config.
type GetResult struct {
	ConfigTOML   string         `json:"config_toml"`
	ConfigMasked map[string]any `json:"config_masked"`
	ETag         string         `json:"etag"`
}

// Get reads an instance's config.toml, masks it, and returns both the
// masked TOML text and its parsed JSON form alongside the ETag of the raw
// (unmasked) bytes on disk (spec §4.D GET contract).
func (s *Service) Get(ctx context.Context, name string) (GetResult, error) {
	inst, err := s.store.GetActiveByName(ctx, name)
	if err != nil {
		return GetResult{}, err
	}

	raw, err := os.ReadFile(inst.ConfigPath)
	if err != nil {
		return GetResult{}, fmt.Errorf("reading config file: %w", err)
	}
	etag := computeETag(raw)

	m, err := decodeTOMLToMap(raw)
	if err != nil {
		return GetResult{}, registry.NewError(registry.KindBadRequest, err.Error())
	}
	masked := maskConfig(m)

	maskedTOML, err := encodeMapToTOML(masked)
	if err != nil {
		return GetResult{}, err
	}

	return GetResult{
		ConfigTOML:   string(maskedTOML),
		ConfigMasked: masked,
		ETag:         etag,
	}, nil
}

// ValidateResult is the response shape for VALIDATE config.
type ValidateResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate parse-checks configTOML without writing anything.
func (s *Service) Validate(configTOML string) ValidateResult {
	if _, err := decodeTOMLToMap([]byte(configTOML)); err != nil {
		return ValidateResult{Valid: false, Error: err.Error()}
	}
	return ValidateResult{Valid: true}
}

// PutParams holds the inputs for Put.
type PutParams struct {
	InstanceName     string
	ConfigTOML       string
	ETag             string
	AllowSecretWrite bool
}

// PutResult is the response shape for PUT config.
type PutResult struct {
	ETag               string `json:"etag"`
	RestartRecommended bool   `json:"restart_recommended"`
}

// Put applies an ETag-guarded, sentinel-preserving, atomically-written
// config update (spec §4.D PUT steps 1-6).
func (s *Service) Put(ctx context.Context, p PutParams) (PutResult, error) {
	inst, err := s.store.GetActiveByName(ctx, p.InstanceName)
	if err != nil {
		return PutResult{}, err
	}

	currentRaw, err := os.ReadFile(inst.ConfigPath)
	if err != nil {
		return PutResult{}, fmt.Errorf("reading current config file: %w", err)
	}
	if computeETag(currentRaw) != p.ETag {
		return PutResult{}, etagConflict(currentRaw)
	}

	incoming, err := decodeTOMLToMap([]byte(p.ConfigTOML))
	if err != nil {
		return PutResult{}, registry.NewError(registry.KindBadRequest, "invalid config toml: "+err.Error())
	}
	current, err := decodeTOMLToMap(currentRaw)
	if err != nil {
		return PutResult{}, fmt.Errorf("parsing current config: %w", err)
	}

	if p, ok := gatewayPort(incoming); ok && p != inst.Port {
		return PutResult{}, registry.NewError(registry.KindBadRequest,
			fmt.Sprintf("gateway.port is owned by the registry and cannot be changed via PUT (got %d, want %d)", p, inst.Port))
	}

	dangling, newSecrets := preserveSentinels(incoming, current)
	if len(dangling) > 0 {
		return PutResult{}, registry.NewError(registry.KindBadRequest,
			"mask sentinel with no prior secret at: "+strings.Join(dangling, ", "))
	}
	if len(newSecrets) > 0 && !p.AllowSecretWrite {
		return PutResult{}, registry.NewError(registry.KindBadRequest,
			"refusing to write new secret values without allow-secret-write: "+strings.Join(newSecrets, ", "))
	}

	instDir := filepath.Dir(inst.ConfigPath)
	var newETag string
	err = lifecycle.WithLock(instDir, func() error {
		reReadRaw, err := os.ReadFile(inst.ConfigPath)
		if err != nil {
			return fmt.Errorf("re-reading config file under lock: %w", err)
		}
		if computeETag(reReadRaw) != p.ETag {
			return etagConflict(reReadRaw)
		}

		finalTOML, err := encodeMapToTOML(incoming)
		if err != nil {
			return err
		}
		if err := lifecycle.WriteConfigBytesAtomic(inst.ConfigPath, finalTOML); err != nil {
			return fmt.Errorf("writing config atomically: %w", err)
		}
		newETag = computeETag(finalTOML)
		return nil
	})
	if err != nil {
		return PutResult{}, err
	}

	status, _ := s.lifecycle.LiveStatus(inst)
	return PutResult{
		ETag:               newETag,
		RestartRecommended: status == lifecycle.StatusRunning,
	}, nil
}

func etagConflict(currentRaw []byte) error {
	return registry.NewErrorWithExtra(registry.KindConflict, "etag mismatch", map[string]any{
		"current_etag": computeETag(currentRaw),
	})
}

// Diff reads the current config, parses both it and candidateTOML, masks
// both, and recursively diffs them (spec §4.D DIFF).
func (s *Service) Diff(ctx context.Context, name, candidateTOML string) (Diff, error) {
	inst, err := s.store.GetActiveByName(ctx, name)
	if err != nil {
		return Diff{}, err
	}

	currentRaw, err := os.ReadFile(inst.ConfigPath)
	if err != nil {
		return Diff{}, fmt.Errorf("reading current config file: %w", err)
	}

	current, err := decodeTOMLToMap(currentRaw)
	if err != nil {
		return Diff{}, fmt.Errorf("parsing current config: %w", err)
	}
	candidate, err := decodeTOMLToMap([]byte(candidateTOML))
	if err != nil {
		return Diff{}, registry.NewError(registry.KindBadRequest, "invalid candidate toml: "+err.Error())
	}

	d := diffConfigs(maskConfig(current), maskConfig(candidate))

	warnings, err := undecodedPaths(currentRaw)
	if err != nil {
		return Diff{}, err
	}
	d.UnknownFieldsWarning = warnings
	return d, nil
}
