package restart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrPermissionDenied is returned when a scan runs without root privileges:
// open files of other users' processes would be invisible.
var ErrPermissionDenied = errors.New("restart detection must run as root to see all open file descriptors")

// Config configures a Checker. Zero values select the system defaults.
type Config struct {
	Blacklist []*regexp.Regexp
	// IgnorePackages is DefaultIgnorePackages when nil.
	IgnorePackages []string
	ProcDir        string
	Root           string
	Logger         *slog.Logger
}

// Package is a package owning at least one program that needs a restart.
type Package struct {
	Name         string
	Processes    []*Process
	InitScripts  []string
	ServiceUnits []string
}

// Snapshot is the restart impact at one point in time. It is not modified
// after Checker.Snapshot returns it.
type Snapshot struct {
	Packages map[string]*Package
	Programs map[string][]*Process
}

// ProgramsNeedingRestart returns the sorted program paths of the snapshot.
func (s *Snapshot) ProgramsNeedingRestart() []string {
	return sortedKeys(s.Programs)
}

// PackagesNeedingRestart returns the sorted package names of the snapshot.
func (s *Snapshot) PackagesNeedingRestart() []string {
	return sortedKeys(s.Packages)
}

// FilterLibraries returns the part of the snapshot caused by stale files
// whose base name starts with one of libnames, e.g. "libssl" for
// /usr/lib/x86_64-linux-gnu/libssl.so.1.1.
func (s *Snapshot) FilterLibraries(libnames []string) *Snapshot {
	out := &Snapshot{
		Packages: make(map[string]*Package),
		Programs: make(map[string][]*Process),
	}
	keep := make(map[*Process]bool)
	for program, procs := range s.Programs {
		for _, p := range procs {
			if usesLibrary(p, libnames) {
				keep[p] = true
				out.Programs[program] = append(out.Programs[program], p)
			}
		}
	}
	for name, pkg := range s.Packages {
		var procs []*Process
		for _, p := range pkg.Processes {
			if keep[p] {
				procs = append(procs, p)
			}
		}
		if len(procs) > 0 {
			out.Packages[name] = &Package{
				Name:         name,
				Processes:    procs,
				InitScripts:  pkg.InitScripts,
				ServiceUnits: pkg.ServiceUnits,
			}
		}
	}
	return out
}

func usesLibrary(p *Process, libnames []string) bool {
	for _, f := range p.Files {
		base := filepath.Base(cleanSuffixRe.ReplaceAllString(f, ""))
		for _, lib := range libnames {
			if strings.HasPrefix(base, lib) {
				return true
			}
		}
	}
	return false
}

// Difference returns the elements of post that are not in pre, sorted.
func Difference(pre, post []string) []string {
	seen := make(map[string]bool, len(pre))
	for _, p := range pre {
		seen[p] = true
	}
	var out []string
	for _, p := range post {
		if !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	sort.Strings(out)
	return out
}

// Checker computes restart-impact snapshots of the local host.
type Checker struct {
	cfg      Config
	resolver *Resolver
	logger   *slog.Logger

	geteuid       func() int
	listOpenFiles func(ctx context.Context) ([]byte, error)
	queryOwners   func(ctx context.Context, programs []string, logger *slog.Logger) ([]ownership, error)
}

// NewChecker returns a Checker for cfg.
func NewChecker(cfg Config) *Checker {
	if cfg.IgnorePackages == nil {
		cfg.IgnorePackages = DefaultIgnorePackages
	}
	if cfg.ProcDir == "" {
		cfg.ProcDir = "/proc"
	}
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{
		cfg:           cfg,
		resolver:      &Resolver{ProcDir: cfg.ProcDir, Root: cfg.Root, Logger: logger},
		logger:        logger,
		geteuid:       os.Geteuid,
		listOpenFiles: runLsof,
		queryOwners:   queryOwners,
	}
}

// Snapshot scans all open files, keeps the processes that need a restart,
// resolves their programs and maps those to the owning packages.
func (c *Checker) Snapshot(ctx context.Context) (*Snapshot, error) {
	if c.geteuid() != 0 {
		return nil, ErrPermissionDenied
	}

	raw, err := c.listOpenFiles(ctx)
	if err != nil {
		return nil, err
	}
	procs, err := ScanOpenFiles(bytes.NewReader(raw), c.cfg.Blacklist, c.logger)
	if err != nil {
		return nil, fmt.Errorf("parsing lsof output: %w", err)
	}

	snap := &Snapshot{
		Packages: make(map[string]*Package),
		Programs: make(map[string][]*Process),
	}
	for _, p := range procs {
		if !p.NeedsRestart() {
			continue
		}
		program, err := c.resolver.ResolveProgram(p.PID)
		if err != nil {
			return nil, err
		}
		if program == "" {
			continue
		}
		p.Program = program
		snap.Programs[program] = append(snap.Programs[program], p)
	}

	owners, err := c.queryOwners(ctx, snap.ProgramsNeedingRestart(), c.logger)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]bool)
	attributed := make(map[ownership]bool)
	for _, o := range owners {
		if attributed[o] {
			continue
		}
		attributed[o] = true
		procs, ok := snap.Programs[o.Program]
		if !ok {
			c.logger.Warn("package database names a program that was not scanned", "package", o.Package, "program", o.Program)
			continue
		}
		owned[o.Program] = true
		pkg, ok := snap.Packages[o.Package]
		if !ok {
			pkg = &Package{Name: o.Package}
			snap.Packages[o.Package] = pkg
		}
		pkg.Processes = append(pkg.Processes, procs...)
	}
	for program := range snap.Programs {
		if !owned[program] {
			c.logger.Info("program is not owned by any package, skipping", "program", program)
			delete(snap.Programs, program)
		}
	}

	for _, name := range c.cfg.IgnorePackages {
		delete(snap.Packages, name)
	}
	for _, pkg := range snap.Packages {
		c.attachServices(pkg)
	}

	c.logger.Debug("restart snapshot",
		"programs", len(snap.Programs),
		"packages", len(snap.Packages),
	)
	return snap, nil
}

func (c *Checker) attachServices(pkg *Package) {
	units := make(map[string]bool)
	scripts := make(map[string]bool)
	for _, p := range pkg.Processes {
		if unit := ServiceUnit(c.cfg.ProcDir, p.PID); unit != "" {
			units[unit] = true
		}
		if script := InitScript(c.cfg.Root, p.Program); script != "" {
			scripts[script] = true
		}
	}
	pkg.ServiceUnits = sortedKeys(units)
	pkg.InitScripts = sortedKeys(scripts)
}

func runLsof(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "lsof", "+XL", "-F", "nf")
	cmd.Env = append(cmd.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	// lsof exits 1 on harmless warnings (e.g. unreadable mounts) while still
	// producing a complete listing.
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && len(out) > 0) {
		return nil, fmt.Errorf("running lsof: %w", err)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
