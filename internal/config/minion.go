package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultMinionPath is where the minion reads its configuration.
const DefaultMinionPath = "/etc/debdeploy/minion.yaml"

// MinionConfig is loaded from /etc/debdeploy/minion.yaml on every managed
// host. The file is optional.
type MinionConfig struct {
	StateDir          string   `yaml:"state_dir"`
	LogFile           string   `yaml:"log_file"`
	BlacklistFiles    []string `yaml:"blacklist_files"` // files of path regexps never reported as stale
	IgnorePackages    []string `yaml:"ignore_packages"`
	RestartHandlerDir string   `yaml:"restart_handler_dir"`
	// MetricsTextfile is a node-exporter textfile collector target; empty
	// disables metrics.
	MetricsTextfile string `yaml:"metrics_textfile"`
	Debug           bool   `yaml:"debug"`
}

// LoadMinionConfig reads path. A missing file yields the defaults.
func LoadMinionConfig(path string) (*MinionConfig, error) {
	var cfg MinionConfig

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading minion config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing minion config %s: %w", path, err)
		}
	}

	applyMinionDefaults(&cfg)
	return &cfg, nil
}

func applyMinionDefaults(cfg *MinionConfig) {
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/debdeploy"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/debdeploy.log"
	}
	if cfg.IgnorePackages == nil {
		cfg.IgnorePackages = []string{"screen", "systemd"}
	}
	if cfg.RestartHandlerDir == "" {
		cfg.RestartHandlerDir = "/usr/lib/debdeploy"
	}
}
