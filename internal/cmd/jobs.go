package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/config"
)

// Jobs lists the most recent deployments recorded in the ledger.
func Jobs(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("jobs", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	limit := fs.IntP("limit", "n", 20, "Number of jobs to show (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := openMaster(*configPath, stderr)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := signalContext()
	defer cancel()

	l, err := m.openLedger(ctx)
	if err != nil {
		return err
	}
	jobs, err := l.List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(stdout, "No jobs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tUPDATE\tGROUP\tJOB\tROLLBACK")
	for _, j := range jobs {
		created := "-"
		if !j.Created.IsZero() {
			created = j.Created.Local().Format("2006-01-02 15:04")
		}
		rollback := j.RollbackID
		if rollback == "" {
			rollback = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", created, j.UpdateSpec, j.GroupKey, j.JobID, rollback)
	}
	return tw.Flush()
}
