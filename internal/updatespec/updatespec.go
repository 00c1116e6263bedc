// Package updatespec loads update specifications: YAML files describing
// which source package to update and the fixed version per distribution.
package updatespec

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// UpdateType classifies an update by its restart impact.
type UpdateType string

const (
	Tool          UpdateType = "tool"
	DaemonDirect  UpdateType = "daemon-direct"
	DaemonDisrupt UpdateType = "daemon-disrupt"
	DaemonCluster UpdateType = "daemon-cluster"
	Reboot        UpdateType = "reboot"
	RebootCluster UpdateType = "reboot-cluster"
	Library       UpdateType = "library"
)

// UpdateTypes lists all valid update types.
var UpdateTypes = []UpdateType{Tool, DaemonDirect, DaemonDisrupt, DaemonCluster, Reboot, RebootCluster, Library}

var descriptions = map[UpdateType]string{
	Tool:          "Non-daemon update, no service restart needed",
	DaemonDirect:  "Daemon update without user impact",
	DaemonDisrupt: "Daemon update with service availability impact",
	DaemonCluster: "Daemon update of a clustered service, restart one node at a time",
	Reboot:        "Update requires a reboot",
	RebootCluster: "Update requires a reboot of a clustered system, one node at a time",
	Library:       "Library update, several services might need to be restarted",
}

// ParseUpdateType returns the UpdateType named s.
func ParseUpdateType(s string) (UpdateType, error) {
	t := UpdateType(s)
	if !slices.Contains(UpdateTypes, t) {
		names := make([]string, len(UpdateTypes))
		for i, u := range UpdateTypes {
			names[i] = string(u)
		}
		return "", fmt.Errorf("invalid update_type %q (must be one of %s)", s, strings.Join(names, ", "))
	}
	return t, nil
}

// UnmarshalYAML rejects unknown update types while decoding.
func (t *UpdateType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseUpdateType(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = parsed
	return nil
}

// Description is a one-line operator summary of the update type.
func (t UpdateType) Description() string {
	return descriptions[t]
}

// ScansRestarts reports whether deployments of this type detect the
// programs needing a restart before and after installing.
func (t UpdateType) ScansRestarts() bool {
	return t == Library
}

// Spec is one update specification.
type Spec struct {
	Source     string            `yaml:"source"`
	Comment    string            `yaml:"comment,omitempty"`
	UpdateType UpdateType        `yaml:"update_type"`
	Fixes      map[string]string `yaml:"fixes"`
	Libraries  []string          `yaml:"libraries,omitempty"`
	// Downgrade allows the fixed version to be lower than the installed one.
	Downgrade bool `yaml:"downgrade,omitempty"`
}

// Load reads and validates the spec at path. Every distribution named in
// fixes must be one of supportedDistros.
func Load(path string, supportedDistros []string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading update spec: %w", err)
	}
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing update spec %s: %w", path, err)
	}
	if err := s.Validate(supportedDistros); err != nil {
		return nil, fmt.Errorf("invalid update spec %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the required fields of s.
func (s *Spec) Validate(supportedDistros []string) error {
	if s.Source == "" {
		return fmt.Errorf("source is required")
	}
	if s.UpdateType == "" {
		return fmt.Errorf("update_type is required")
	}
	if _, err := ParseUpdateType(string(s.UpdateType)); err != nil {
		return err
	}
	if len(s.Fixes) == 0 {
		return fmt.Errorf("fixes must name at least one fixed version")
	}
	for _, distro := range s.Distros() {
		if !slices.Contains(supportedDistros, distro) {
			return fmt.Errorf("%s is not a supported distribution (supported: %s)", distro, strings.Join(supportedDistros, ", "))
		}
		if s.Fixes[distro] == "" {
			return fmt.Errorf("fixes: no version given for %s", distro)
		}
	}
	return nil
}

// Distros returns the distributions with a fixed version, sorted.
func (s *Spec) Distros() []string {
	out := make([]string, 0, len(s.Fixes))
	for d := range s.Fixes {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// FixesArg encodes fixes for the minion command line as distro=version
// pairs joined by commas, e.g. "bookworm=3.0.11-1~deb12u2,trixie=3.2.1-3".
func (s *Spec) FixesArg() string {
	pairs := make([]string, 0, len(s.Fixes))
	for _, d := range s.Distros() {
		pairs = append(pairs, d+"="+s.Fixes[d])
	}
	return strings.Join(pairs, ",")
}

// ParseFixesArg is the inverse of FixesArg.
func ParseFixesArg(arg string) (map[string]string, error) {
	fixes := make(map[string]string)
	if arg == "" {
		return fixes, nil
	}
	for _, pair := range strings.Split(arg, ",") {
		distro, version, ok := strings.Cut(pair, "=")
		if !ok || distro == "" || version == "" {
			return nil, fmt.Errorf("invalid fix %q, expected distro=version", pair)
		}
		fixes[distro] = version
	}
	return fixes, nil
}

// Save writes s as YAML to path.
func (s *Spec) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
