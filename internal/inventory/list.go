package inventory

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

const (
	statusFormat = "${Status} ${Package} ${Version} ${Architecture}\n"
	sourceFormat = "${Package} ${source:Package} ${db:Status-Status}\n"
)

// Lister reads the installed package set from the dpkg database.
type Lister struct {
	// query runs a command and returns its stdout. Replaced in tests.
	query func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLister returns a Lister backed by dpkg-query.
func NewLister() *Lister {
	return &Lister{query: runQuery}
}

// Snapshot returns all packages that are installed (or on hold).
// Packages of a foreign architecture are keyed as name:arch.
func (l *Lister) Snapshot(ctx context.Context) (Snapshot, error) {
	native, err := l.query(ctx, "dpkg", "--print-architecture")
	if err != nil {
		return nil, fmt.Errorf("detecting native architecture: %w", err)
	}
	out, err := l.query(ctx, "dpkg-query", "-W", "--showformat="+statusFormat)
	if err != nil {
		return nil, fmt.Errorf("listing installed packages: %w", err)
	}
	return parseStatusList(out, strings.TrimSpace(string(native))), nil
}

// parseStatusList parses dpkg-query output in statusFormat. Lines are
// "<want> <error> <status> <name> <version> <arch>".
func parseStatusList(out []byte, nativeArch string) Snapshot {
	pkgs := make(Snapshot)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		cols := strings.Fields(scanner.Text())
		if len(cols) < 6 {
			continue
		}
		want, status, name, version, arch := cols[0], cols[2], cols[3], cols[4], cols[5]
		if want != "install" && want != "hold" {
			continue
		}
		if status != "installed" {
			continue
		}
		if arch != "all" && nativeArch != "" && arch != nativeArch {
			name += ":" + arch
		}
		pkgs[name] = version
	}
	return pkgs
}

// BinaryPackages returns the installed binary packages built from source.
// A binary package without a Source field has a source of the same name.
func (l *Lister) BinaryPackages(ctx context.Context, source string) ([]string, error) {
	out, err := l.query(ctx, "dpkg-query", "-W", "--showformat="+sourceFormat)
	if err != nil {
		return nil, fmt.Errorf("listing source packages: %w", err)
	}

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		cols := strings.Fields(scanner.Text())
		if len(cols) < 3 || cols[2] != "installed" {
			continue
		}
		pkg, src := cols[0], cols[1]
		if src == source || pkg == source {
			seen[pkg] = true
		}
	}

	pkgs := make([]string, 0, len(seen))
	for pkg := range seen {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

func runQuery(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), "LC_ALL=C")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
