package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/ledger"
)

// Rollback reverts the deployment of an update spec to a server group.
func Rollback(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	specPath := fs.StringP("spec", "s", "", "Update spec that was deployed")
	group := fs.StringP("group", "g", "", "Server group to roll back")
	yes := fs.BoolP("yes", "y", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *specPath == "" || *group == "" {
		return fmt.Errorf("--spec and --group are required")
	}

	m, err := openMaster(*configPath, stderr)
	if err != nil {
		return err
	}
	defer m.Close()

	hosts, err := m.cfg.Group(*group)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	l, err := m.openLedger(ctx)
	if err != nil {
		return err
	}
	updateKey := specKey(*specPath)
	jobID, err := l.JobID(ctx, updateKey, *group)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%s was never deployed to %s", updateKey, *group)
	}
	if err != nil {
		return err
	}
	if rolledBack, err := l.IsRolledBack(ctx, updateKey, *group); err != nil {
		return err
	} else if rolledBack {
		rollbackID, _ := l.RollbackID(ctx, updateKey, *group)
		return fmt.Errorf("job %s was already rolled back by job %s: %w", jobID, rollbackID, ledger.ErrAlreadyRolledBack)
	}

	if !*yes {
		ok, err := confirm(
			fmt.Sprintf("Roll back %s on %s (%d hosts)?", updateKey, *group, len(hosts)),
			fmt.Sprintf("Reverts job %s: downgrades updated packages, reinstalls removed ones and removes added ones.", jobID),
		)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "[debdeploy] Rollback aborted")
			return nil
		}
	}

	rollbackID := fleet.NewJobID()
	fmt.Fprintf(stdout, "[debdeploy] Rolling back job %s on %s, job %s\n", jobID, *group, rollbackID)

	succeeded := 0
	runErr := m.run(ctx, stdout, rollbackID, hosts, []string{"rollback", "--jobid", jobID}, func(host, output string) error {
		var r api.JobResult
		if err := fleet.ParseOutput(output, &r); err != nil {
			return err
		}
		printJobResult(stdout, host, &r)
		succeeded++
		if r.AptReturn != 0 {
			return fmt.Errorf("package manager exited with %d", r.AptReturn)
		}
		return nil
	})

	// Retrying a rollback nobody received is allowed.
	if succeeded == 0 {
		if runErr == nil {
			runErr = errHostsFailed
		}
		return runErr
	}
	if err := l.RecordRollback(ctx, jobID, rollbackID); err != nil {
		return fmt.Errorf("recording rollback: %w", err)
	}
	return runErr
}
