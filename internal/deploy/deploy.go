// Package deploy applies package updates on a minion and rolls them back.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/inventory"
	"github.com/flo-mic/debdeploy/internal/restart"
	"github.com/flo-mic/debdeploy/internal/updatespec"
)

// RestartScanner takes restart-impact snapshots.
type RestartScanner interface {
	Snapshot(ctx context.Context) (*restart.Snapshot, error)
}

// Request describes one deployment on this host.
type Request struct {
	JobID      string
	Source     string
	UpdateType updatespec.UpdateType
	// Fixes maps a distribution codename to the fixed version.
	Fixes     map[string]string
	Downgrade bool
}

// Deployer installs fixed versions of all binary packages of a source
// package and records what changed.
type Deployer struct {
	Inventory inventory.Inventory
	Installer inventory.Installer
	Restarts  RestartScanner
	Store     JobStore
	Log       io.Writer
	Logger    *slog.Logger

	// Codename defaults to reading /etc/os-release.
	Codename func() (string, error)
}

func (d *Deployer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func (d *Deployer) log() io.Writer {
	if d.Log == nil {
		return io.Discard
	}
	return d.Log
}

// Deploy runs req. The outcome of the package manager, including a
// non-zero exit code, is part of the result. The result is persisted in
// the job store before it is returned.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*api.JobResult, error) {
	start := time.Now()
	logger := d.logger().With("job", req.JobID, "source", req.Source)
	result := &api.JobResult{JobID: req.JobID, Source: req.Source}
	inventory.Changes{}.Apply(result)
	result.Restart = []string{}

	codename := d.Codename
	if codename == nil {
		codename = Codename
	}
	distro, err := codename()
	if err != nil {
		return nil, err
	}
	version, ok := req.Fixes[distro]
	if !ok {
		result.NotApplicable = fmt.Sprintf("update does not apply to %s", distro)
		logger.Info("update does not apply to the installed distribution", "distro", distro)
		return result, d.Store.Save(result)
	}

	pkgs, err := d.Inventory.BinaryPackages(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		result.NotApplicable = fmt.Sprintf("no binary packages of %s installed", req.Source)
		logger.Info("no binary packages installed for source package")
		return result, d.Store.Save(result)
	}

	var pre *restart.Snapshot
	if req.UpdateType.ScansRestarts() {
		if pre, err = d.Restarts.Snapshot(ctx); err != nil {
			return nil, fmt.Errorf("restart scan before update: %w", err)
		}
		logger.Debug("programs needing a restart before the update", "programs", pre.ProgramsNeedingRestart())
	}

	before, err := d.Inventory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(d.log(), "[debdeploy] Refreshing package index\n")
	if err := d.Installer.RefreshIndex(ctx); err != nil {
		fmt.Fprintf(d.log(), "[debdeploy] warning: package index update failed: %v\n", err)
	}

	targets := make([]inventory.Target, len(pkgs))
	for i, pkg := range pkgs {
		targets[i] = inventory.Target{Name: pkg, Version: version}
	}
	fmt.Fprintf(d.log(), "[debdeploy] Installing %s %s: %v\n", req.Source, version, pkgs)
	res, err := d.Installer.Install(ctx, targets, req.Downgrade)
	if err != nil {
		return nil, err
	}
	result.AptLog, result.AptErrLog, result.AptReturn = res.Stdout, res.Stderr, res.ExitCode
	if res.ExitCode != 0 {
		logger.Warn("package manager failed", "exit_code", res.ExitCode)
	}

	after, err := d.Inventory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	changes := inventory.Diff(before, after)
	changes.Apply(result)

	if pre != nil {
		post, err := d.Restarts.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("restart scan after update: %w", err)
		}
		pending := post.ProgramsNeedingRestart()
		result.Restart = restart.Difference(pre.ProgramsNeedingRestart(), pending)
		if result.Restart == nil {
			result.Restart = []string{}
		}
		result.PendingRestart = pending
	}

	logger.Info("deployment finished",
		"additions", changes.Additions,
		"removals", changes.Removals,
		"modified", len(changes.Modified),
		"restart", result.Restart,
		"aptreturn", result.AptReturn,
		"duration", time.Since(start),
	)

	if err := d.Store.Save(result); err != nil {
		return nil, fmt.Errorf("saving job record: %w", err)
	}
	return result, nil
}
