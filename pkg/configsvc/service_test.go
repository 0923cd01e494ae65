package configsvc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeroclaw/zeroclaw/internal/registry"
	"github.com/zeroclaw/zeroclaw/pkg/lifecycle"
)

const testConfigTOML = `default_provider = "openai"

[gateway]
host = "0.0.0.0"
port = 18801
webhook_secret = "whsec_abc123"
`

func newTestService(t *testing.T) (*Service, registry.Instance) {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(context.Background(), filepath.Join(dir, "cp"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfgDir := filepath.Join(dir, "bot-a")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgPath := filepath.Join(cfgDir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(testConfigTOML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	inst, err := store.CreateInstance(context.Background(), registry.CreateInstanceParams{
		ID: "inst-1", Name: "bot-a", Port: 18801, ConfigPath: cfgPath,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := lifecycle.NewService(store, logger, lifecycle.Config{CPRoot: dir, PortRangeLo: 18800, PortRangeHi: 18900})
	return NewService(store, lc), inst
}

// TestPutRejectsStaleETag is the ETag-sensitivity invariant from spec §8: a
// PUT carrying an ETag that no longer matches the file on disk is rejected
// as a conflict, and a PUT against the current ETag succeeds and advances
// the ETag.
func TestPutRejectsStaleETag(t *testing.T) {
	svc, inst := newTestService(t)
	ctx := context.Background()

	get, err := svc.Get(ctx, inst.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if _, err := svc.Put(ctx, PutParams{
		InstanceName: inst.Name,
		ConfigTOML:   testConfigTOML,
		ETag:         "stale-etag",
	}); err == nil {
		t.Fatal("expected Put with a stale ETag to fail")
	}

	result, err := svc.Put(ctx, PutParams{
		InstanceName: inst.Name,
		ConfigTOML:   testConfigTOML,
		ETag:         get.ETag,
	})
	if err != nil {
		t.Fatalf("Put with current ETag: %v", err)
	}
	if result.ETag == get.ETag {
		t.Fatalf("ETag did not change after a successful Put: got %q", result.ETag)
	}
}

// TestPutSentinelRoundTrip is the sentinel round-trip invariant from spec
// §8: a PUT that carries MaskSentinel for a secret field that was not
// touched resolves back to the prior plaintext value on disk, never writes
// the literal sentinel string.
func TestPutSentinelRoundTrip(t *testing.T) {
	svc, inst := newTestService(t)
	ctx := context.Background()

	get, err := svc.Get(ctx, inst.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !containsString(get.ConfigMasked, MaskSentinel) {
		t.Fatal("expected masked GET response to contain the sentinel")
	}

	if _, err := svc.Put(ctx, PutParams{
		InstanceName: inst.Name,
		ConfigTOML:   get.ConfigTOML,
		ETag:         get.ETag,
	}); err != nil {
		t.Fatalf("Put(masked round-trip): %v", err)
	}

	raw, err := os.ReadFile(inst.ConfigPath)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if containsString(string(raw), MaskSentinel) {
		t.Fatal("config file on disk contains the literal mask sentinel")
	}
	if !containsString(string(raw), "whsec_abc123") {
		t.Fatal("original secret value was lost on sentinel round-trip")
	}
}

// TestPutRejectsGatewayPortMismatch covers SPEC_FULL.md §4.D: gateway.port
// is registry-owned and a PUT that changes it is a BadRequest.
func TestPutRejectsGatewayPortMismatch(t *testing.T) {
	svc, inst := newTestService(t)
	ctx := context.Background()

	get, err := svc.Get(ctx, inst.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	badTOML := `default_provider = "openai"

[gateway]
host = "0.0.0.0"
port = 19999
webhook_secret = "` + MaskSentinel + `"
`
	if _, err := svc.Put(ctx, PutParams{
		InstanceName: inst.Name,
		ConfigTOML:   badTOML,
		ETag:         get.ETag,
	}); err == nil {
		t.Fatal("expected Put with a mismatched gateway.port to fail")
	}
}
