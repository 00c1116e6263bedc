package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/ledger"
	"github.com/flo-mic/debdeploy/internal/updatespec"
)

// Deploy rolls an update spec out to a server group.
func Deploy(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	specPath := fs.StringP("spec", "s", "", "Update spec (YAML)")
	group := fs.StringP("group", "g", "", "Server group to deploy to")
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

	spec, err := updatespec.Load(*specPath, m.cfg.Distros)
	if err != nil {
		return err
	}
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
	jobID := fleet.NewJobID()
	if err := l.RecordDeployment(ctx, updateKey, *group, jobID); err != nil {
		if errors.Is(err, ledger.ErrDuplicateJob) {
			if existing, lerr := l.JobID(ctx, updateKey, *group); lerr == nil {
				return fmt.Errorf("%s was already deployed to %s as job %s: %w", updateKey, *group, existing, err)
			}
		}
		return err
	}

	fmt.Fprintf(stdout, "[debdeploy] Deploying %s (%s) to %s, job %s\n", spec.Source, spec.UpdateType.Description(), *group, jobID)
	command := []string{"deploy",
		"--source", spec.Source,
		"--update-type", string(spec.UpdateType),
		"--fixes", spec.FixesArg(),
	}
	if spec.Downgrade {
		command = append(command, "--downgrade")
	}

	return m.run(ctx, stdout, jobID, hosts, command, func(host, output string) error {
		var r api.JobResult
		if err := fleet.ParseOutput(output, &r); err != nil {
			return err
		}
		printJobResult(stdout, host, &r)
		if r.AptReturn != 0 {
			return fmt.Errorf("package manager exited with %d", r.AptReturn)
		}
		return nil
	})
}

// specKey identifies an update spec in the ledger by its file name.
func specKey(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func printJobResult(w io.Writer, host string, r *api.JobResult) {
	if r.NotApplicable != "" {
		fmt.Fprintf(w, "[debdeploy] %s: not applicable: %s\n", host, r.NotApplicable)
		return
	}
	if len(r.Updated) == 0 && len(r.Additions) == 0 && len(r.Removals) == 0 {
		fmt.Fprintf(w, "[debdeploy] %s: no packages changed\n", host)
	}
	for _, name := range sortedNames(r.Updated) {
		v := r.Updated[name]
		fmt.Fprintf(w, "[debdeploy] %s: %s %s -> %s\n", host, name, v.Old, v.New)
	}
	for _, name := range r.Additions {
		fmt.Fprintf(w, "[debdeploy] %s: %s installed\n", host, name)
	}
	for _, name := range r.Removals {
		fmt.Fprintf(w, "[debdeploy] %s: %s removed\n", host, name)
	}
	if len(r.Restart) > 0 {
		fmt.Fprintf(w, "[debdeploy] %s: needs restart: %s\n", host, strings.Join(r.Restart, " "))
	}
}
