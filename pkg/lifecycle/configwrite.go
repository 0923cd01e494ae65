package lifecycle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// WriteConfigAtomic serializes cfg to TOML and writes it to path under the
// atomic write contract (spec §4.C): temp file in the same directory, mode
// 0600, fsync, rename, fsync parent directory. No partially-written config
// is ever visible.
func WriteConfigAtomic(path string, cfg InstanceConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config toml: %w", err)
	}
	return WriteConfigBytesAtomic(path, buf.Bytes())
}

// WriteConfigBytesAtomic writes raw TOML bytes atomically. pkg/configsvc
// calls this directly on PUT so unknown fields round-trip untouched rather
// than being dropped by a struct re-encode.
func WriteConfigBytesAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	temp := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))

	f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(temp)
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(temp)
		return fmt.Errorf("fsyncing temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("renaming temp config file: %w", err)
	}

	dirF, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening parent dir for fsync: %w", err)
	}
	defer dirF.Close()
	if err := dirF.Sync(); err != nil {
		return fmt.Errorf("fsyncing parent dir: %w", err)
	}
	return nil
}
