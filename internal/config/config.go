package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds deskvm runtime configuration.
type Config struct {
	// DataDir is the base directory for deskvm runtime data.
	DataDir string `yaml:"data_dir"`

	// DBPath is the path to the SQLite instance registry.
	DBPath string `yaml:"db_path"`

	// LockPath is the file guarding port allocation and container launch
	// across processes.
	LockPath string `yaml:"lock_path"`

	// LockTimeout bounds how long Start waits for the allocation lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// ImagesDir holds downloaded VM disk archives and extracted images.
	ImagesDir string `yaml:"images_dir"`

	// ImageBaseURL is the dataset root the VM disk archives are fetched from.
	// HF_ENDPOINT pointing at hf-mirror.com rewrites its host.
	ImageBaseURL string `yaml:"image_base_url"`

	// DrainWait is the pause after a container stop before ports are
	// considered free again.
	DrainWait time.Duration `yaml:"drain_wait"`

	// KVMDevice is the hardware acceleration device passed to the container
	// when present.
	KVMDevice string `yaml:"kvm_device"`

	// Launch holds the per-container launch parameters.
	Launch LaunchConfig `yaml:"launch"`
}

// DefaultConfig returns the default configuration rooted at ~/.deskvm.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".deskvm")

	return &Config{
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "deskvm.db"),
		LockPath:     filepath.Join(dataDir, "ports.lock"),
		LockTimeout:  10 * time.Second,
		ImagesDir:    filepath.Join(dataDir, "vms"),
		ImageBaseURL: "https://huggingface.co/datasets/xlangai",
		DrainWait:    3 * time.Second,
		KVMDevice:    "/dev/kvm",
		Launch:       DefaultLaunchConfig(),
	}
}

// Load overlays the YAML file at path on top of DefaultConfig.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.ImagesDir,
		filepath.Dir(c.DBPath),
		filepath.Dir(c.LockPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
