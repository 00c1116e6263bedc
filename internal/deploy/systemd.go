package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/restart"
)

// ServiceRestarter restarts the services running given programs. The
// service is found from the process's systemd cgroup, else from an init
// script named like the program.
type ServiceRestarter struct {
	HandlerDir string
	ProcDir    string
	Root       string
	Log        io.Writer
	Logger     *slog.Logger
}

// Restart restarts each program's service or runs each restart handler
// and reports one api.Restart* code per entry.
func (s *ServiceRestarter) Restart(ctx context.Context, programs []string) api.ServiceRestartResult {
	log := s.Log
	if log == nil {
		log = io.Discard
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	results := make(api.ServiceRestartResult, len(programs))
	for _, program := range programs {
		if name, ok := strings.CutPrefix(program, RestartHandlerPrefix); ok {
			results[program] = RunRestartHandler(ctx, s.HandlerDir, name, log)
			continue
		}
		results[program] = s.restartProgram(ctx, program, log, logger)
	}
	return results
}

func (s *ServiceRestarter) restartProgram(ctx context.Context, program string, log io.Writer, logger *slog.Logger) int {
	pid, err := pidof(ctx, program)
	if errors.Is(err, errNotRunning) {
		fmt.Fprintf(log, "[debdeploy] %s is not running, skipping\n", program)
		return api.RestartNotRunning
	}
	if err != nil {
		logger.Warn("cannot find process", "program", program, "err", err)
		return api.RestartFailed
	}

	procDir := s.ProcDir
	if procDir == "" {
		procDir = "/proc"
	}
	root := s.Root
	if root == "" {
		root = "/"
	}

	if unit := restart.ServiceUnit(procDir, pid); unit != "" {
		fmt.Fprintf(log, "[debdeploy] Restarting %s for %s\n", unit, program)
		if err := runSystemctl(ctx, log, "restart", unit); err != nil {
			logger.Warn("service restart failed", "unit", unit, "err", err)
			return api.RestartFailed
		}
		if !serviceIsActive(ctx, unit) {
			fmt.Fprintf(log, "[debdeploy] %s is not active after restart\n", unit)
			return api.RestartFailed
		}
		return api.RestartOK
	}

	if script := restart.InitScript(root, program); script != "" {
		fmt.Fprintf(log, "[debdeploy] Restarting init script %s for %s\n", script, program)
		if err := runCommand(ctx, log, "service", script, "restart"); err != nil {
			logger.Warn("init script restart failed", "script", script, "err", err)
			return api.RestartFailed
		}
		return api.RestartOK
	}

	fmt.Fprintf(log, "[debdeploy] no service found for %s (pid %d)\n", program, pid)
	return api.RestartFailed
}

var errNotRunning = errors.New("process not running")

// pidof returns one pid running program. Replaced in tests.
var pidof = func(ctx context.Context, program string) (int, error) {
	out, err := exec.CommandContext(ctx, "pidof", "-x", "-s", program).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return 0, errNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("pidof %s: %w", program, err)
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

// runCommand runs name with output streamed to log. Replaced in tests.
var runCommand = func(ctx context.Context, log io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = log
	cmd.Stderr = log
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", name, args, err)
	}
	return nil
}

func runSystemctl(ctx context.Context, log io.Writer, args ...string) error {
	fmt.Fprintf(log, "[debdeploy] systemctl %v\n", args)
	return runCommand(ctx, log, "systemctl", args...)
}

func serviceIsActive(ctx context.Context, unit string) bool {
	return runCommand(ctx, io.Discard, "systemctl", "is-active", "--quiet", unit) == nil
}
