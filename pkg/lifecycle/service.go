// Package lifecycle implements the Instance Lifecycle component: instance
// directory/process management, port allocation, PID-verified live status,
// and the atomic config write contract shared with the Config Service.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

var workspaceSubdirs = []string{"skills", "memory", "sessions", "state", "cron"}

// Service implements instance CRUD and process lifecycle operations
// (spec §4.C).
type Service struct {
	store           *registry.Store
	logger          *slog.Logger
	cpRoot          string
	portRangeLo     int
	portRangeHi     int
	homeSentinel    string
	agentBinaryPath string
}

// Config bundles Service's constructor inputs.
type Config struct {
	CPRoot          string
	PortRangeLo     int
	PortRangeHi     int
	HomeSentinel    string
	AgentBinaryPath string // empty: re-exec the running binary in agent mode
}

// NewService constructs a lifecycle Service.
func NewService(store *registry.Store, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:           store,
		logger:          logger,
		cpRoot:          cfg.CPRoot,
		portRangeLo:     cfg.PortRangeLo,
		portRangeHi:     cfg.PortRangeHi,
		homeSentinel:    cfg.HomeSentinel,
		agentBinaryPath: cfg.AgentBinaryPath,
	}
}

func (s *Service) instancesDir() string {
	return filepath.Join(s.cpRoot, "instances")
}

func (s *Service) instanceDir(id string) string {
	return filepath.Join(s.instancesDir(), id)
}

// CreateParams holds the inputs for Create.
type CreateParams struct {
	Name          string
	Port          *int // caller-supplied; nil means allocate from the configured range
	ModelProvider string
	ModelName     string
}

// Create validates the name, reserves a port, lays out the instance
// directory and workspace subdirectories, writes a default config, and
// inserts the registry row. Any failure after the directory is created
// rolls the directory back (spec §4.C).
func (s *Service) Create(ctx context.Context, p CreateParams) (registry.Instance, error) {
	if err := ValidateName(p.Name); err != nil {
		return registry.Instance{}, err
	}

	port, err := s.resolvePort(ctx, p.Port)
	if err != nil {
		return registry.Instance{}, err
	}

	id := uuid.NewString()
	instDir := s.instanceDir(id)
	if err := s.layoutInstanceDir(instDir); err != nil {
		return registry.Instance{}, fmt.Errorf("laying out instance directory: %w", err)
	}

	workspaceDir := filepath.Join(instDir, "workspace")
	configPath := filepath.Join(instDir, "config.toml")
	cfg := DefaultInstanceConfig(port, p.ModelProvider, p.ModelName)
	cfg.WorkspaceDir = workspaceDir

	if err := WriteConfigAtomic(configPath, cfg); err != nil {
		s.rollbackDir(instDir)
		return registry.Instance{}, fmt.Errorf("writing default config: %w", err)
	}

	inst, err := s.store.CreateInstance(ctx, registry.CreateInstanceParams{
		ID:           id,
		Name:         p.Name,
		Port:         port,
		ConfigPath:   configPath,
		WorkspaceDir: &workspaceDir,
	})
	if err != nil {
		s.rollbackDir(instDir)
		return registry.Instance{}, err
	}
	s.refreshInstancesActiveMetric(ctx)
	return inst, nil
}

// refreshInstancesActiveMetric re-syncs the active-instance count gauge
// against the registry. Best-effort: a failed list just leaves the gauge
// stale until the next mutation succeeds.
func (s *Service) refreshInstancesActiveMetric(ctx context.Context) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Warn("refreshing active instance count metric", "error", err)
		return
	}
	metrics.InstancesActive.Set(float64(len(active)))
}

func (s *Service) resolvePort(ctx context.Context, explicit *int) (int, error) {
	if explicit != nil {
		taken, err := s.store.AllocatePort(ctx, *explicit, *explicit, nil)
		if err != nil {
			return 0, err
		}
		if taken == nil {
			return 0, registry.ErrPortTaken
		}
		return *explicit, nil
	}

	port, err := s.store.AllocatePort(ctx, s.portRangeLo, s.portRangeHi, nil)
	if err != nil {
		return 0, fmt.Errorf("allocating port: %w", err)
	}
	if port == nil {
		return 0, registry.NewError(registry.KindServiceUnavailable, "no ports available in configured range")
	}
	return *port, nil
}

func (s *Service) layoutInstanceDir(instDir string) error {
	for _, sub := range workspaceSubdirs {
		if err := os.MkdirAll(filepath.Join(instDir, "workspace", sub), 0700); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rollbackDir(instDir string) {
	if err := os.RemoveAll(instDir); err != nil {
		s.logger.Error("rolling back instance directory after create failure", "dir", instDir, "error", err)
	}
}

// Archive stops the instance (best-effort) and marks it archived. The name
// and port become immediately reusable (spec §4.C).
func (s *Service) Archive(ctx context.Context, name string) (registry.Instance, error) {
	inst, err := s.store.GetActiveByName(ctx, name)
	if err != nil {
		return registry.Instance{}, err
	}

	if status, _ := s.LiveStatus(inst); status == StatusRunning {
		if err := s.Stop(ctx, name); err != nil {
			s.logger.Warn("best-effort stop before archive failed", "instance", name, "error", err)
		}
	}

	archived, err := s.store.Archive(ctx, name)
	if err == nil {
		s.refreshInstancesActiveMetric(ctx)
	}
	return archived, err
}

// Unarchive clears archived_at, failing NotFound/Conflict per spec §4.C.
func (s *Service) Unarchive(ctx context.Context, name string) (registry.Instance, error) {
	inst, err := s.store.Unarchive(ctx, name)
	if err == nil {
		s.refreshInstancesActiveMetric(ctx)
	}
	return inst, err
}

// CloneParams holds the inputs for Clone.
type CloneParams struct {
	SourceName string
	NewName    string
	Port       *int
}

// Clone copies a source instance's workspace/skills tree into a freshly
// allocated instance directory, rewriting the config with a new port and
// forcibly emptied paired_tokens (never copy authentication state,
// spec §4.C).
func (s *Service) Clone(ctx context.Context, p CloneParams) (registry.Instance, error) {
	if err := ValidateName(p.NewName); err != nil {
		return registry.Instance{}, err
	}

	source, err := s.store.GetActiveByName(ctx, p.SourceName)
	if err != nil {
		return registry.Instance{}, err
	}

	port, err := s.resolvePort(ctx, p.Port)
	if err != nil {
		return registry.Instance{}, err
	}

	id := uuid.NewString()
	instDir := s.instanceDir(id)
	if err := s.layoutInstanceDir(instDir); err != nil {
		return registry.Instance{}, fmt.Errorf("laying out cloned instance directory: %w", err)
	}
	newWorkspace := filepath.Join(instDir, "workspace")

	if source.WorkspaceDir != nil {
		if err := copySkillsDir(*source.WorkspaceDir, newWorkspace); err != nil {
			s.rollbackDir(instDir)
			return registry.Instance{}, fmt.Errorf("copying skills directory: %w", err)
		}
	}

	cfg, err := loadSourceConfigForClone(source.ConfigPath, port, newWorkspace)
	if err != nil {
		s.rollbackDir(instDir)
		return registry.Instance{}, fmt.Errorf("rewriting cloned config: %w", err)
	}

	configPath := filepath.Join(instDir, "config.toml")
	if err := WriteConfigAtomic(configPath, cfg); err != nil {
		s.rollbackDir(instDir)
		return registry.Instance{}, fmt.Errorf("writing cloned config: %w", err)
	}

	inst, err := s.store.CreateInstance(ctx, registry.CreateInstanceParams{
		ID:           id,
		Name:         p.NewName,
		Port:         port,
		ConfigPath:   configPath,
		WorkspaceDir: &newWorkspace,
	})
	if err != nil {
		s.rollbackDir(instDir)
		return registry.Instance{}, err
	}
	s.refreshInstancesActiveMetric(ctx)
	return inst, nil
}

func copySkillsDir(srcWorkspace, dstWorkspace string) error {
	src := filepath.Join(srcWorkspace, "skills")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return copyDirRecursive(src, filepath.Join(dstWorkspace, "skills"))
}

func copyDirRecursive(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0700); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, 0600); err != nil {
			return err
		}
	}
	return nil
}

// loadSourceConfigForClone is grounded on the source's config.toml but this
// package only needs to rewrite the port, workspace_dir, and clear
// paired_tokens — full parse/diff/mask lives in pkg/configsvc. Reading it
// here as raw TOML keeps those two packages from needing to share an
// import cycle.
func loadSourceConfigForClone(sourcePath string, port int, newWorkspace string) (InstanceConfig, error) {
	var cfg InstanceConfig
	if _, err := tomlDecodeFile(sourcePath, &cfg); err != nil {
		return InstanceConfig{}, err
	}
	cfg.Gateway.Port = port
	cfg.Gateway.PairedTokens = nil
	cfg.WorkspaceDir = newWorkspace
	return cfg, nil
}

// Delete removes the filesystem directory of an archived-only instance
// (spec §4.C: "Only permitted on archived rows"). Messages referencing the
// instance remain, per the append-only audit contract.
func (s *Service) Delete(ctx context.Context, name string) error {
	inst, err := s.store.FindArchivedByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteArchivedOnly(ctx, inst.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.instanceDir(inst.ID)); err != nil {
		s.logger.Error("removing deleted instance directory", "instance", name, "error", err)
	}
	return nil
}

// LiveStatus reports the pidfile-verified live status for inst.
func (s *Service) LiveStatus(inst registry.Instance) (LiveStatus, *int) {
	return liveStatus(s.instanceDir(inst.ID), s.homeSentinel)
}

// Start spawns the instance's agent process, acquiring the per-instance
// lifecycle lock for the duration (spec §4.C, §5 "serialises start, stop,
// restart... for that instance").
func (s *Service) Start(ctx context.Context, name string) error {
	inst, err := s.store.GetActiveByName(ctx, name)
	if err != nil {
		return err
	}

	instDir := s.instanceDir(inst.ID)
	fl, err := acquireLock(instDir)
	if err != nil {
		return err
	}
	defer releaseLock(fl)

	status, _ := s.LiveStatus(inst)
	if status == StatusRunning {
		return registry.NewError(registry.KindAlreadyRunning, fmt.Sprintf("instance %q is already running", name))
	}

	pid, err := s.spawn(inst, instDir)
	if err != nil {
		return fmt.Errorf("spawning instance process: %w", err)
	}
	if err := writePIDFile(instDir, pid); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	if err := s.store.SetPID(ctx, inst.ID, &pid); err != nil {
		s.logger.Warn("caching pid on registry row failed", "instance", name, "error", err)
	}
	return nil
}

func (s *Service) spawn(inst registry.Instance, instDir string) (int, error) {
	binary := s.agentBinaryPath
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolving own executable for re-exec: %w", err)
		}
		binary = self
	}

	logFile, err := os.OpenFile(logFilePath(instDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("opening instance log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, "--mode=agent", "--config="+inst.ConfigPath)
	cmd.Env = append(os.Environ(), "ZEROCLAW_MODE=agent", "ZEROCLAW_HOME="+s.homeSentinel)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = instDir
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }() // reap without blocking the caller; liveness is re-probed via the pidfile, not cmd.Process
	return cmd.Process.Pid, nil
}

// Stop sends a termination signal to the instance's live process and
// removes its pidfile once it's gone.
func (s *Service) Stop(ctx context.Context, name string) error {
	inst, err := s.store.GetActiveByName(ctx, name)
	if err != nil {
		return err
	}

	instDir := s.instanceDir(inst.ID)
	fl, err := acquireLock(instDir)
	if err != nil {
		return err
	}
	defer releaseLock(fl)

	status, pid := s.LiveStatus(inst)
	if status != StatusRunning {
		return registry.NewError(registry.KindNotRunning, fmt.Sprintf("instance %q is not running", name))
	}

	if err := terminateProcess(*pid); err != nil {
		return fmt.Errorf("terminating instance process: %w", err)
	}
	if err := removePIDFile(instDir); err != nil {
		s.logger.Warn("removing pidfile after stop", "instance", name, "error", err)
	}
	return nil
}

// Restart stops then starts the instance, bypassing the AlreadyRunning
// check a bare Start would hit.
func (s *Service) Restart(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		if rerr, ok := registry.As(err); !ok || rerr.Kind != registry.KindNotRunning {
			return err
		}
	}
	return s.Start(ctx, name)
}

// StartIfStopped satisfies pkg/messaging's Starter interface (spec §4.B
// step 8 "Auto-start"): best-effort, a no-op if already running.
func (s *Service) StartIfStopped(ctx context.Context, instanceName string) error {
	inst, err := s.store.GetActiveByName(ctx, instanceName)
	if err != nil {
		return err
	}
	status, _ := s.LiveStatus(inst)
	if status == StatusRunning {
		return nil
	}
	// Only stopped/dead trigger auto-start (spec §4.B step 8).
	// stale-pid and unknown are ambiguous — starting a new process on top
	// of one we can't positively rule out risks two processes both
	// "owning" the instance.
	if status != StatusStopped && status != StatusDead {
		return nil
	}
	return s.Start(ctx, instanceName)
}
