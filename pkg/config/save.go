package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const header = "# unitwatch watch list. Reloaded automatically when saved.\n"

const sample = header + `#
# services:
#   - name: ComfyUI
#     unit: comfyui.service
#     logs:
#       enabled: true
#       follow: true
#       lines: 200
#
# engine:
#   poll_interval: 2s
#   probe_timeout: 3s
#   parallelism: 8
#   start_timeout: 10s
#   stop_timeout: 10s
#   restart_timeout: 15s
#   tail_retries: 3
#   tail_backoff: [500ms, 1s, 2s]
services: []
`

// Marshal encodes the config as YAML.
func Marshal(c *Config) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return append([]byte(header), data...), nil
}

// Save writes the config to path atomically. Readers never see a partial file.
func Save(c *Config, path string) error {
	if path == "" {
		return errors.New("save config: no path")
	}
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// EnsureDefault writes a commented, empty config if path does not exist. It
// reports whether a file was created.
func EnsureDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(sample), 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
