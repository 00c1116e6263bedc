package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/charmbracelet/huh"

	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/ledger"
)

// errHostsFailed is returned after a fleet command some hosts did not
// complete. Every host's outcome has been printed by then.
var errHostsFailed = errors.New("command failed on some hosts (see output above)")

// newExecutor builds the fleet executor. Replaced in tests.
var newExecutor = func(cfg *config.MasterConfig, logger *slog.Logger) fleet.Executor {
	return fleet.NewSSHExecutor(cfg.SSH.User, cfg.SSH.Key, cfg.SSH.Options, cfg.SSH.BatchSize, logger)
}

// confirm asks a yes/no question on the terminal. Replaced in tests.
var confirm = func(title, description string) (bool, error) {
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Value(&ok),
	)).Run()
	return ok, err
}

// master bundles what every master command needs.
type master struct {
	cfg    *config.MasterConfig
	logger *slog.Logger
	exec   fleet.Executor

	logFile *os.File
	ledger  *ledger.Ledger
}

func openMaster(configPath string, stderr io.Writer) (*master, error) {
	cfg, err := config.LoadMasterConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := openLog(cfg.LogFile, cfg.Debug, stderr)
	if err != nil {
		return nil, err
	}
	return &master{
		cfg:     cfg,
		logger:  logger,
		exec:    newExecutor(cfg, logger),
		logFile: logFile,
	}, nil
}

// openLedger opens the job ledger on first use.
func (m *master) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if m.ledger != nil {
		return m.ledger, nil
	}
	l, err := ledger.Open(ctx, ledger.Config{Path: m.cfg.Ledger, Logger: m.logger})
	if err != nil {
		return nil, err
	}
	m.ledger = l
	return l, nil
}

func (m *master) Close() {
	if m.ledger != nil {
		m.ledger.Close()
	}
	m.logFile.Close()
}

// run executes a minion subcommand on hosts and decodes each host's OK
// payload with decode. Hosts that fail are reported to stdout.
func (m *master) run(ctx context.Context, stdout io.Writer, jobID string, hosts []string, args []string, decode func(host, output string) error) error {
	command := append([]string{m.cfg.MinionCommand}, args...)
	m.logger.Info("running minion command", "job", jobID, "command", command, "hosts", len(hosts))

	results, err := m.exec.Execute(ctx, jobID, command, hosts)
	if err != nil {
		return fmt.Errorf("running %s on fleet: %w", args[0], err)
	}

	failed := 0
	for _, r := range results {
		err := r.Err
		if err == nil {
			err = decode(r.Host, r.Output)
		}
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "[debdeploy] %s: FAILED: %v\n", r.Host, err)
			m.logger.Warn("host failed", "job", jobID, "host", r.Host, "err", err)
		}
	}
	fmt.Fprintf(stdout, "[debdeploy] %d/%d hosts succeeded\n", len(results)-failed, len(results))
	if failed > 0 {
		return errHostsFailed
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sortedNames[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
