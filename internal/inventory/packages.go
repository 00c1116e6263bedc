package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// AptInstaller drives apt-get non-interactively. Configuration files
// changed locally are always kept.
type AptInstaller struct {
	// Log receives the commands run and the output of streamed commands.
	Log io.Writer

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewAptInstaller returns an AptInstaller streaming to log.
func NewAptInstaller(log io.Writer) *AptInstaller {
	if log == nil {
		log = io.Discard
	}
	return &AptInstaller{Log: log, command: exec.CommandContext}
}

// RefreshIndex updates the package index from the configured archives.
func (a *AptInstaller) RefreshIndex(ctx context.Context) error {
	return a.runCmd(ctx, "apt-get", "update", "-qq")
}

// Install installs targets. Output and exit status are captured in the
// Result; the error is only set when apt-get could not be run at all.
func (a *AptInstaller) Install(ctx context.Context, targets []Target, allowDowngrade bool) (Result, error) {
	if len(targets) == 0 {
		return Result{}, nil
	}
	args := []string{"-q", "-y"}
	if allowDowngrade {
		args = append(args, "--allow-downgrades")
	}
	args = append(args,
		"-o", "DPkg::Options::=--force-confold",
		"-o", "DPkg::Options::=--force-confdef",
		"install",
	)
	for _, t := range targets {
		args = append(args, t.String())
	}
	return a.captureCmd(ctx, "apt-get", args...)
}

// Remove removes names. The package manager output goes to Log.
func (a *AptInstaller) Remove(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return a.runCmd(ctx, "apt-get", append([]string{"-q", "-y", "remove"}, names...)...)
}

func (a *AptInstaller) runCmd(ctx context.Context, name string, args ...string) error {
	fmt.Fprintf(a.Log, "[debdeploy] $ %s %s\n", name, strings.Join(args, " "))
	cmd := a.command(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), "DEBIAN_FRONTEND=noninteractive")
	cmd.Stdout = a.Log
	cmd.Stderr = a.Log
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func (a *AptInstaller) captureCmd(ctx context.Context, name string, args ...string) (Result, error) {
	fmt.Fprintf(a.Log, "[debdeploy] $ %s %s\n", name, strings.Join(args, " "))
	cmd := a.command(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), "DEBIAN_FRONTEND=noninteractive")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}
