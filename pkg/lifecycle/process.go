package lifecycle

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/BurntSushi/toml"
)

// detachProcess configures cmd to run in its own session, surviving the CP
// restarting independently of any spawned agent.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminateProcess sends SIGTERM to pid. The delivery worker and flow
// ticker never call this directly — only Stop/Restart, under the
// lifecycle lock.
func terminateProcess(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
	}
	return nil
}

// tomlDecodeFile loads path into v, returning the decode metadata (unused
// here, but kept so future callers needing Undecoded() don't have to
// reimplement this wrapper).
func tomlDecodeFile(path string, v any) (toml.MetaData, error) {
	return toml.DecodeFile(path, v)
}
