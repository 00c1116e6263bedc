package inventory

import (
	"context"

	"github.com/flo-mic/debdeploy/internal/api"
)

// Snapshot is the set of installed packages at one point in time,
// keyed by package name (multiarch packages as name:arch) → version.
type Snapshot map[string]string

// Changes is the difference between two snapshots. The three parts are
// pairwise disjoint.
type Changes struct {
	Additions []string
	Removals  []string
	Modified  map[string]api.VersionChange
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Additions) == 0 && len(c.Removals) == 0 && len(c.Modified) == 0
}

// Target is one package to install. An empty Version installs the
// candidate version from the configured archives.
type Target struct {
	Name    string
	Version string
}

func (t Target) String() string {
	if t.Version == "" {
		return t.Name
	}
	return t.Name + "=" + t.Version
}

// Result is the captured outcome of a package manager run. A non-zero
// ExitCode is data, not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Installer is the package manager.
type Installer interface {
	RefreshIndex(ctx context.Context) error
	Install(ctx context.Context, targets []Target, allowDowngrade bool) (Result, error)
	Remove(ctx context.Context, names []string) error
}

// Inventory lists installed packages.
type Inventory interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	BinaryPackages(ctx context.Context, source string) ([]string, error)
}
