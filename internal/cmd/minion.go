package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/deploy"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/inventory"
	"github.com/flo-mic/debdeploy/internal/metrics"
	"github.com/flo-mic/debdeploy/internal/restart"
	"github.com/flo-mic/debdeploy/internal/updatespec"
)

// Host access of the minion commands. Replaced in tests.
var (
	newInventory = func() inventory.Inventory { return inventory.NewLister() }
	newInstaller = func(log io.Writer) inventory.Installer { return inventory.NewAptInstaller(log) }
	newScanner   = func(cfg restart.Config) deploy.RestartScanner { return restart.NewChecker(cfg) }
	hostCodename = deploy.Codename
	now          = time.Now
)

type minion struct {
	cfg     *config.MinionConfig
	logger  *slog.Logger
	logFile *os.File
}

func openMinion(configPath string, stderr io.Writer) (*minion, error) {
	cfg, err := config.LoadMinionConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := openLog(cfg.LogFile, cfg.Debug, stderr)
	if err != nil {
		return nil, err
	}
	return &minion{cfg: cfg, logger: logger, logFile: logFile}, nil
}

func (m *minion) Close() { m.logFile.Close() }

func (m *minion) checkerConfig() (restart.Config, error) {
	blacklist, err := restart.LoadBlacklist(m.cfg.BlacklistFiles)
	if err != nil {
		return restart.Config{}, err
	}
	return restart.Config{
		Blacklist:      blacklist,
		IgnorePackages: m.cfg.IgnorePackages,
		Logger:         m.logger,
	}, nil
}

// finishAptRun appends the package manager output to the log file and
// exports the run's metrics. Failures are logged only.
func (m *minion) finishAptRun(r *api.JobResult, programsPending int) {
	if err := deploy.AppendAptLog(m.cfg.LogFile, r.AptLog, now()); err != nil {
		m.logger.Warn("cannot append package manager output to log", "err", err)
	}
	code := r.AptReturn
	m.writeMetrics(metrics.Run{ProgramsPending: programsPending, PackagesPending: -1, AptExitCode: &code})
}

func (m *minion) writeMetrics(run metrics.Run) {
	if m.cfg.MetricsTextfile == "" {
		return
	}
	run.Time = now()
	if err := metrics.WriteTextfile(m.cfg.MetricsTextfile, run); err != nil {
		m.logger.Warn("cannot write metrics", "err", err)
	}
}

// respond prints the single result line read by the master.
func respond(stdout io.Writer, v any, err error) error {
	if err != nil {
		fmt.Fprintln(stdout, fleet.FormatError(err))
		return err
	}
	line, err := fleet.FormatOK(v)
	if err != nil {
		fmt.Fprintln(stdout, fleet.FormatError(err))
		return err
	}
	fmt.Fprintln(stdout, line)
	return nil
}

// MinionDeploy installs the fixed version of a source package on this host.
func MinionDeploy(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMinionPath, "Path to minion config")
	jobID := fs.String("jobid", os.Getenv("DEBDEPLOY_JOBID"), "Job ID (default $DEBDEPLOY_JOBID)")
	source := fs.String("source", "", "Source package")
	updateType := fs.String("update-type", "", "Update type")
	fixes := fs.String("fixes", "", "Fixed versions as distro=version,...")
	downgrade := fs.Bool("downgrade", false, "Allow downgrades")
	if err := fs.Parse(args); err != nil {
		return respond(stdout, nil, err)
	}
	result, err := minionDeploy(*configPath, *jobID, *source, *updateType, *fixes, *downgrade, stderr)
	return respond(stdout, result, err)
}

func minionDeploy(configPath, jobID, source, updateType, fixesArg string, downgrade bool, stderr io.Writer) (*api.JobResult, error) {
	if jobID == "" || source == "" {
		return nil, fmt.Errorf("a job ID and --source are required")
	}
	ut, err := updatespec.ParseUpdateType(updateType)
	if err != nil {
		return nil, err
	}
	fixes, err := updatespec.ParseFixesArg(fixesArg)
	if err != nil {
		return nil, err
	}

	m, err := openMinion(configPath, stderr)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	checkerCfg, err := m.checkerConfig()
	if err != nil {
		return nil, err
	}
	d := &deploy.Deployer{
		Inventory: newInventory(),
		Installer: newInstaller(stderr),
		Restarts:  newScanner(checkerCfg),
		Store:     deploy.JobStore{Dir: m.cfg.StateDir},
		Log:       stderr,
		Logger:    m.logger,
		Codename:  hostCodename,
	}

	ctx, cancel := signalContext()
	defer cancel()

	r, err := d.Deploy(ctx, deploy.Request{
		JobID:      jobID,
		Source:     source,
		UpdateType: ut,
		Fixes:      fixes,
		Downgrade:  downgrade,
	})
	if err != nil {
		return nil, err
	}
	if r.NotApplicable == "" {
		pending := -1
		if ut.ScansRestarts() {
			pending = len(r.PendingRestart)
		}
		m.finishAptRun(r, pending)
	}
	return r, nil
}

// MinionRollback reverts a deployment recorded on this host.
func MinionRollback(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMinionPath, "Path to minion config")
	jobID := fs.String("jobid", "", "Job ID of the deployment to revert")
	if err := fs.Parse(args); err != nil {
		return respond(stdout, nil, err)
	}
	result, err := minionRollback(*configPath, *jobID, stderr)
	return respond(stdout, result, err)
}

func minionRollback(configPath, jobID string, stderr io.Writer) (*api.JobResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("--jobid is required")
	}
	m, err := openMinion(configPath, stderr)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	r := &deploy.Rollbacker{
		Inventory: newInventory(),
		Installer: newInstaller(stderr),
		Store:     deploy.JobStore{Dir: m.cfg.StateDir},
		Log:       stderr,
		Logger:    m.logger,
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := r.Rollback(ctx, jobID)
	if result == nil {
		return nil, err
	}
	if err != nil {
		// Report the packages changed so far; the exit code marks the failure.
		fmt.Fprintf(stderr, "[debdeploy] rollback of %s interrupted: %v\n", jobID, err)
	}
	m.finishAptRun(result, -1)
	return result, nil
}

// MinionRestarts reports the programs of this host that need a restart,
// optionally limited to users of the given libraries.
func MinionRestarts(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("restarts", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMinionPath, "Path to minion config")
	libnames := fs.StringArray("libname", nil, "Library base name, e.g. libssl (repeatable)")
	if err := fs.Parse(args); err != nil {
		return respond(stdout, nil, err)
	}
	report, err := minionRestarts(*configPath, *libnames, stderr)
	return respond(stdout, report, err)
}

func minionRestarts(configPath string, libnames []string, stderr io.Writer) (*api.RestartReport, error) {
	m, err := openMinion(configPath, stderr)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	checkerCfg, err := m.checkerConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := signalContext()
	defer cancel()

	snap, err := newScanner(checkerCfg).Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	m.writeMetrics(metrics.Run{
		ProgramsPending: len(snap.Programs),
		PackagesPending: len(snap.Packages),
	})

	if len(libnames) > 0 {
		snap = snap.FilterLibraries(libnames)
	}
	return &api.RestartReport{
		Programs: snap.ProgramsNeedingRestart(),
		Packages: snap.PackagesNeedingRestart(),
	}, nil
}

// MinionRestartService restarts the services running the given programs.
func MinionRestartService(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("restart-service", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMinionPath, "Path to minion config")
	programs := fs.StringArray("program", nil, "Program path or restarthandler.NAME (repeatable)")
	if err := fs.Parse(args); err != nil {
		return respond(stdout, nil, err)
	}
	result, err := minionRestartService(*configPath, *programs, stderr)
	return respond(stdout, result, err)
}

func minionRestartService(configPath string, programs []string, stderr io.Writer) (api.ServiceRestartResult, error) {
	if len(programs) == 0 {
		return nil, fmt.Errorf("at least one --program is required")
	}
	m, err := openMinion(configPath, stderr)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	s := &deploy.ServiceRestarter{
		HandlerDir: m.cfg.RestartHandlerDir,
		Log:        stderr,
		Logger:     m.logger,
	}

	ctx, cancel := signalContext()
	defer cancel()

	return s.Restart(ctx, programs), nil
}

// MinionListPkgs reports the installed packages of this host.
func MinionListPkgs(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("list-pkgs", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return respond(stdout, nil, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	pkgs, err := listPackages(ctx)
	return respond(stdout, pkgs, err)
}

func listPackages(ctx context.Context) (api.InstalledPackages, error) {
	snap, err := newInventory().Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return api.InstalledPackages(snap), nil
}
