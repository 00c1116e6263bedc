package fleet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/flo-mic/debdeploy/internal/api"
)

// SSHExecutor runs commands over ssh, at most BatchSize hosts at a time.
// The job ID reaches the minion as DEBDEPLOY_JOBID.
type SSHExecutor struct {
	User      string
	Key       string
	Options   []string
	BatchSize int
	Logger    *slog.Logger

	run func(ctx context.Context, args []string) (string, error)
}

// NewSSHExecutor returns an SSHExecutor using the system ssh client.
func NewSSHExecutor(user, key string, options []string, batchSize int, logger *slog.Logger) *SSHExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SSHExecutor{
		User:      user,
		Key:       key,
		Options:   options,
		BatchSize: batchSize,
		Logger:    logger,
		run:       runSSH,
	}
}

// Execute runs command on hosts. Results are in the order of hosts.
func (e *SSHExecutor) Execute(ctx context.Context, jobID string, command []string, hosts []string) ([]HostResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	remote := "DEBDEPLOY_JOBID=" + shellQuote(jobID) + " " + shellJoin(command)

	results := make([]HostResult, len(hosts))
	g, gCtx := errgroup.WithContext(ctx)
	if e.BatchSize > 0 {
		g.SetLimit(e.BatchSize)
	}
	for i, host := range hosts {
		g.Go(func() error {
			out, err := e.run(gCtx, e.sshArgs(host, remote))
			results[i] = HostResult{Host: host, Output: out, Err: err}
			if err != nil {
				e.Logger.Warn("host command failed", "host", host, "job", jobID, "err", err)
			} else {
				e.Logger.Debug("host command finished", "host", host, "job", jobID)
			}
			// A failing host never cancels the others.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}

func (e *SSHExecutor) sshArgs(host, remote string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if e.Key != "" {
		args = append(args, "-i", e.Key)
	}
	for _, opt := range e.Options {
		args = append(args, "-o", opt)
	}
	if e.User != "" {
		args = append(args, "-l", e.User)
	}
	return append(args, host, "--", remote)
}

func runSSH(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	// The minion reports its own failures as ERROR lines with a non-zero
	// exit status; only output without a result line is a transport error.
	out := stdout.String()
	if err != nil && !strings.Contains(out, api.OKPrefix) && !strings.Contains(out, api.ErrorPrefix) {
		return out, fmt.Errorf("ssh: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

var shellSafeRe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func shellQuote(s string) string {
	if shellSafeRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
