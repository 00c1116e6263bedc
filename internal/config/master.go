package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultMasterPath is where the master reads its configuration.
const DefaultMasterPath = "/etc/debdeploy/master.yaml"

// MasterConfig is loaded from /etc/debdeploy/master.yaml on the deployment host.
type MasterConfig struct {
	// Distros are the distribution codenames update specs may name.
	Distros      []string            `yaml:"distros"`
	ServerGroups map[string][]string `yaml:"server_groups"`
	// LibraryHints maps a source package to the library base names whose
	// users need a restart after updating it, e.g. openssl: [libssl, libcrypto].
	LibraryHints  map[string][]string `yaml:"library_hints"`
	Ledger        string              `yaml:"ledger"`
	LogFile       string              `yaml:"log_file"`
	Debug         bool                `yaml:"debug"`
	SSH           SSHConfig           `yaml:"ssh"`
	MinionCommand string              `yaml:"minion_command"`
}

// SSHConfig describes how the master reaches its minions.
type SSHConfig struct {
	User      string   `yaml:"user"`
	Key       string   `yaml:"key"`
	BatchSize int      `yaml:"batch_size"` // hosts contacted in parallel
	Options   []string `yaml:"options"`    // extra -o options
}

// LoadMasterConfig reads and parses the master config file.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	if len(cfg.Distros) == 0 {
		return nil, fmt.Errorf("%s: at least one entry in 'distros' is required", path)
	}
	if len(cfg.ServerGroups) == 0 {
		return nil, fmt.Errorf("%s: at least one entry in 'server_groups' is required", path)
	}
	for name, hosts := range cfg.ServerGroups {
		if len(hosts) == 0 {
			return nil, fmt.Errorf("%s: server group %q has no hosts", path, name)
		}
	}

	// Env var overrides file key
	if k := os.Getenv("DEBDEPLOY_SSH_KEY"); k != "" {
		cfg.SSH.Key = k
	}

	applyMasterDefaults(&cfg)
	return &cfg, nil
}

func applyMasterDefaults(cfg *MasterConfig) {
	if cfg.Ledger == "" {
		cfg.Ledger = "/var/lib/debdeploy/jobs.db"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/debdeploy/debdeploy.log"
	}
	if cfg.SSH.User == "" {
		cfg.SSH.User = "root"
	}
	if cfg.SSH.BatchSize <= 0 {
		cfg.SSH.BatchSize = 100
	}
	if cfg.MinionCommand == "" {
		cfg.MinionCommand = "/usr/bin/debdeploy-minion"
	}
}

// Group returns the hosts of the server group name.
func (c *MasterConfig) Group(name string) ([]string, error) {
	hosts, ok := c.ServerGroups[name]
	if !ok {
		return nil, fmt.Errorf("unknown server group %q (known: %v)", name, c.GroupNames())
	}
	return hosts, nil
}

// GroupNames returns the configured server group names, sorted.
func (c *MasterConfig) GroupNames() []string {
	names := make([]string, 0, len(c.ServerGroups))
	for name := range c.ServerGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Libraries returns the library base names to check after updating
// source: the names given by the update spec, else the configured hints.
func (c *MasterConfig) Libraries(source string, fromSpec []string) []string {
	if len(fromSpec) > 0 {
		return fromSpec
	}
	return c.LibraryHints[source]
}
