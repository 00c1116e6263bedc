package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/inventory"
)

// maxAptReturn caps the sum of the exit codes of a rollback's package
// manager runs. A run killed by a signal counts as maxAptReturn.
const maxAptReturn = 100

// Rollbacker reverts a recorded deployment.
type Rollbacker struct {
	Inventory inventory.Inventory
	Installer inventory.Installer
	Store     JobStore
	Log       io.Writer
	Logger    *slog.Logger
}

// Plan is the inverse of a recorded deployment.
type Plan struct {
	// Downgrade reinstalls the versions replaced by the deployment.
	Downgrade []inventory.Target
	// Reinstall installs packages the deployment removed, in the
	// candidate version.
	Reinstall []inventory.Target
	// Remove removes packages the deployment added.
	Remove []string
}

// Empty reports whether there is nothing to revert.
func (p Plan) Empty() bool {
	return len(p.Downgrade) == 0 && len(p.Reinstall) == 0 && len(p.Remove) == 0
}

// PlanRollback computes the inverse of r.
func PlanRollback(r *api.JobResult) Plan {
	var p Plan
	names := make([]string, 0, len(r.Updated))
	for name := range r.Updated {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.Downgrade = append(p.Downgrade, inventory.Target{Name: name, Version: r.Updated[name].Old})
	}
	for _, name := range r.Removals {
		p.Reinstall = append(p.Reinstall, inventory.Target{Name: name})
	}
	p.Remove = append(p.Remove, r.Additions...)
	return p
}

// Rollback reverts the deployment jobID and reports what changed. When a
// package manager run fails after the rollback started, the packages changed
// so far are returned together with the error.
func (r *Rollbacker) Rollback(ctx context.Context, jobID string) (*api.JobResult, error) {
	log := r.Log
	if log == nil {
		log = io.Discard
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("job", jobID)

	record, err := r.Store.Load(jobID)
	if err != nil {
		return nil, err
	}
	plan := PlanRollback(record)

	result := &api.JobResult{JobID: jobID, Source: record.Source}
	inventory.Changes{}.Apply(result)
	result.Restart = []string{}
	if plan.Empty() {
		fmt.Fprintf(log, "[debdeploy] Nothing to roll back for job %s\n", jobID)
		return result, nil
	}

	before, err := r.Inventory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(log, "[debdeploy] Refreshing package index\n")
	if err := r.Installer.RefreshIndex(ctx); err != nil {
		fmt.Fprintf(log, "[debdeploy] warning: package index update failed: %v\n", err)
	}

	install := func(targets []inventory.Target, downgrade bool) error {
		if len(targets) == 0 {
			return nil
		}
		res, err := r.Installer.Install(ctx, targets, downgrade)
		if err != nil {
			return err
		}
		result.AptLog += res.Stdout
		result.AptErrLog += res.Stderr
		if res.ExitCode < 0 {
			result.AptReturn += maxAptReturn
		} else {
			result.AptReturn += res.ExitCode
		}
		return nil
	}
	partial := func(cause error) (*api.JobResult, error) {
		logger.Error("rollback interrupted", "err", cause)
		after, err := r.Inventory.Snapshot(context.WithoutCancel(ctx))
		if err != nil {
			return nil, errors.Join(cause, err)
		}
		inventory.Diff(before, after).Apply(result)
		result.AptErrLog += cause.Error() + "\n"
		result.AptReturn = maxAptReturn
		return result, cause
	}

	if len(plan.Downgrade) > 0 {
		fmt.Fprintf(log, "[debdeploy] Downgrading: %v\n", plan.Downgrade)
	}
	if err := install(plan.Downgrade, true); err != nil {
		return partial(err)
	}
	if len(plan.Reinstall) > 0 {
		fmt.Fprintf(log, "[debdeploy] Reinstalling removed packages: %v\n", plan.Reinstall)
	}
	if err := install(plan.Reinstall, false); err != nil {
		return partial(err)
	}
	if len(plan.Remove) > 0 {
		fmt.Fprintf(log, "[debdeploy] Removing added packages: %v\n", plan.Remove)
		// Output of the removal is not part of the result.
		if err := r.Installer.Remove(ctx, plan.Remove); err != nil {
			fmt.Fprintf(log, "[debdeploy] WARNING: could not remove %v: %v\n", plan.Remove, err)
			logger.Warn("removing added packages failed", "packages", plan.Remove, "err", err)
		}
	}

	if result.AptReturn > maxAptReturn {
		result.AptReturn = maxAptReturn
	}

	after, err := r.Inventory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	changes := inventory.Diff(before, after)
	changes.Apply(result)

	logger.Info("rollback finished",
		"additions", changes.Additions,
		"removals", changes.Removals,
		"modified", len(changes.Modified),
		"aptreturn", result.AptReturn,
	)
	return result, nil
}
