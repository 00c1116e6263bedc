package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/ledger"
)

type execCall struct {
	jobID   string
	command []string
	hosts   []string
}

// fakeFleet answers every command with the canned output of each host.
type fakeFleet struct {
	outputs map[string]string
	errs    map[string]error
	calls   []execCall
}

func (f *fakeFleet) Execute(_ context.Context, jobID string, command []string, hosts []string) ([]fleet.HostResult, error) {
	f.calls = append(f.calls, execCall{jobID: jobID, command: command, hosts: hosts})
	results := make([]fleet.HostResult, len(hosts))
	for i, h := range hosts {
		results[i] = fleet.HostResult{Host: h, Output: f.outputs[h], Err: f.errs[h]}
	}
	return results, nil
}

type masterEnv struct {
	dir    string
	config string
	spec   string
	fleet  *fakeFleet
}

func newMasterEnv(t *testing.T) *masterEnv {
	t.Helper()
	dir := t.TempDir()
	env := &masterEnv{
		dir:    dir,
		config: filepath.Join(dir, "master.yaml"),
		spec:   filepath.Join(dir, "openssl-2024-01.yaml"),
		fleet:  &fakeFleet{outputs: make(map[string]string), errs: make(map[string]error)},
	}
	os.WriteFile(env.config, []byte(fmt.Sprintf(`distros: [bullseye, bookworm]
server_groups:
  web: [web1, web2]
  db: [db1]
library_hints:
  openssl: [libssl, libcrypto]
ledger: %s
log_file: %s
`, filepath.Join(dir, "jobs.db"), filepath.Join(dir, "log", "debdeploy.log"))), 0644)
	os.WriteFile(env.spec, []byte(`source: openssl
comment: DSA-5532-1
update_type: library
fixes:
  bookworm: 3.0.11-1~deb12u2
`), 0644)

	origExec, origConfirm := newExecutor, confirm
	t.Cleanup(func() { newExecutor, confirm = origExec, origConfirm })
	newExecutor = func(*config.MasterConfig, *slog.Logger) fleet.Executor { return env.fleet }
	confirm = func(string, string) (bool, error) {
		t.Error("unexpected confirmation prompt")
		return false, nil
	}
	return env
}

func (e *masterEnv) reply(t *testing.T, host string, v any) {
	t.Helper()
	line, err := fleet.FormatOK(v)
	require.NoError(t, err)
	e.fleet.outputs[host] = "[debdeploy] working\n" + line + "\n"
}

func (e *masterEnv) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.Config{Path: filepath.Join(e.dir, "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func deployResult() *api.JobResult {
	return &api.JobResult{
		Additions: []string{},
		Removals:  []string{},
		Updated: map[string]api.VersionChange{
			"libssl3": {Old: "3.0.11-1~deb12u1", New: "3.0.11-1~deb12u2"},
		},
		Restart: []string{"/usr/sbin/nginx"},
	}
}

func TestDeploy(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "web1", deployResult())
	env.reply(t, "web2", &api.JobResult{NotApplicable: "update does not apply to bullseye"})

	var out bytes.Buffer
	err := Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "web"}, &out, io.Discard)
	require.NoError(t, err)

	require.Len(t, env.fleet.calls, 1)
	call := env.fleet.calls[0]
	require.Equal(t, []string{
		"/usr/bin/debdeploy-minion", "deploy",
		"--source", "openssl",
		"--update-type", "library",
		"--fixes", "bookworm=3.0.11-1~deb12u2",
	}, call.command)
	require.Equal(t, []string{"web1", "web2"}, call.hosts)

	require.Contains(t, out.String(), "web1: libssl3 3.0.11-1~deb12u1 -> 3.0.11-1~deb12u2")
	require.Contains(t, out.String(), "web1: needs restart: /usr/sbin/nginx")
	require.Contains(t, out.String(), "web2: not applicable")
	require.Contains(t, out.String(), "2/2 hosts succeeded")

	jobID, err := env.ledger(t).JobID(context.Background(), "openssl-2024-01", "web")
	require.NoError(t, err)
	require.Equal(t, call.jobID, jobID)
}

func TestDeploy_Duplicate(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "db1", deployResult())
	args := []string{"--config", env.config, "--spec", env.spec, "--group", "db"}

	require.NoError(t, Deploy(args, io.Discard, io.Discard))
	err := Deploy(args, io.Discard, io.Discard)
	require.ErrorIs(t, err, ledger.ErrDuplicateJob)
	require.Contains(t, err.Error(), env.fleet.calls[0].jobID)
	require.Len(t, env.fleet.calls, 1, "a duplicate must not reach the fleet")
}

func TestDeploy_HostFailures(t *testing.T) {
	env := newMasterEnv(t)
	env.fleet.outputs["web1"] = "ERROR restart detection must run as root\n"
	env.fleet.errs["web2"] = errors.New("ssh: connection refused")

	var out bytes.Buffer
	err := Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "web"}, &out, io.Discard)
	require.ErrorIs(t, err, errHostsFailed)
	require.Contains(t, out.String(), "web1: FAILED: minion: restart detection must run as root")
	require.Contains(t, out.String(), "web2: FAILED: ssh: connection refused")
	require.Contains(t, out.String(), "0/2 hosts succeeded")
}

func TestDeploy_AptFailure(t *testing.T) {
	env := newMasterEnv(t)
	r := deployResult()
	r.AptReturn = 100
	env.reply(t, "db1", r)

	var out bytes.Buffer
	err := Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, &out, io.Discard)
	require.ErrorIs(t, err, errHostsFailed)
	require.Contains(t, out.String(), "package manager exited with 100")
}

func TestDeploy_UnknownGroup(t *testing.T) {
	env := newMasterEnv(t)
	err := Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "mail"}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "unknown server group")
	require.Empty(t, env.fleet.calls)
}

func TestDeploy_RequiresFlags(t *testing.T) {
	env := newMasterEnv(t)
	err := Deploy([]string{"--config", env.config, "--spec", env.spec}, io.Discard, io.Discard)
	require.Error(t, err)
}

func TestRollback(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "db1", deployResult())
	require.NoError(t, Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, io.Discard, io.Discard))
	deployID := env.fleet.calls[0].jobID

	env.reply(t, "db1", &api.JobResult{
		JobID:   deployID,
		Updated: map[string]api.VersionChange{"libssl3": {Old: "3.0.11-1~deb12u2", New: "3.0.11-1~deb12u1"}},
	})
	var out bytes.Buffer
	require.NoError(t, Rollback([]string{"--config", env.config, "--spec", env.spec, "--group", "db", "--yes"}, &out, io.Discard))

	require.Len(t, env.fleet.calls, 2)
	call := env.fleet.calls[1]
	require.Equal(t, []string{"/usr/bin/debdeploy-minion", "rollback", "--jobid", deployID}, call.command)
	require.NotEqual(t, deployID, call.jobID)
	require.Contains(t, out.String(), "db1: libssl3 3.0.11-1~deb12u2 -> 3.0.11-1~deb12u1")

	rollbackID, err := env.ledger(t).RollbackID(context.Background(), "openssl-2024-01", "db")
	require.NoError(t, err)
	require.Equal(t, call.jobID, rollbackID)

	err = Rollback([]string{"--config", env.config, "--spec", env.spec, "--group", "db", "--yes"}, io.Discard, io.Discard)
	require.ErrorIs(t, err, ledger.ErrAlreadyRolledBack)
}

func TestRollback_Confirmation(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "db1", deployResult())
	require.NoError(t, Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, io.Discard, io.Discard))

	var asked string
	confirm = func(title, _ string) (bool, error) {
		asked = title
		return false, nil
	}
	var out bytes.Buffer
	require.NoError(t, Rollback([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, &out, io.Discard))
	require.Contains(t, asked, "openssl-2024-01")
	require.Contains(t, out.String(), "Rollback aborted")
	require.Len(t, env.fleet.calls, 1)
}

func TestRollback_NeverDeployed(t *testing.T) {
	env := newMasterEnv(t)
	err := Rollback([]string{"--config", env.config, "--spec", env.spec, "--group", "web", "--yes"}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "never deployed")
}

func TestRollback_NotRecordedWhenNoHostSucceeded(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "db1", deployResult())
	require.NoError(t, Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, io.Discard, io.Discard))

	env.fleet.outputs["db1"] = ""
	env.fleet.errs["db1"] = errors.New("ssh: no route to host")
	err := Rollback([]string{"--config", env.config, "--spec", env.spec, "--group", "db", "--yes"}, io.Discard, io.Discard)
	require.ErrorIs(t, err, errHostsFailed)

	rolledBack, err := env.ledger(t).IsRolledBack(context.Background(), "openssl-2024-01", "db")
	require.NoError(t, err)
	require.False(t, rolledBack)
}

func TestQueryRestart(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "web1", &api.RestartReport{Programs: []string{"/usr/sbin/nginx"}, Packages: []string{"nginx-core"}})
	env.reply(t, "web2", &api.RestartReport{Programs: []string{}, Packages: []string{}})

	var out bytes.Buffer
	require.NoError(t, QueryRestart([]string{"--config", env.config, "--spec", env.spec, "--group", "web"}, &out, io.Discard))

	require.Equal(t, []string{"/usr/bin/debdeploy-minion", "restarts", "--libname", "libssl", "--libname", "libcrypto"}, env.fleet.calls[0].command)
	require.Contains(t, out.String(), "web1: needs restart: /usr/sbin/nginx")
	require.Contains(t, out.String(), "web1: packages: nginx-core")
	require.Contains(t, out.String(), "web2: no restarts needed")
}

func TestQueryRestart_ExplicitLibraries(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "db1", &api.RestartReport{})

	require.NoError(t, QueryRestart([]string{"--config", env.config, "--group", "db", "-l", "libz"}, io.Discard, io.Discard))
	require.Equal(t, []string{"/usr/bin/debdeploy-minion", "restarts", "--libname", "libz"}, env.fleet.calls[0].command)
}

func TestQueryRestart_NoLibraries(t *testing.T) {
	env := newMasterEnv(t)
	err := QueryRestart([]string{"--config", env.config, "--group", "db", "--source", "bash"}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "no libraries")
	require.Empty(t, env.fleet.calls)
}

func TestRestart(t *testing.T) {
	env := newMasterEnv(t)
	env.reply(t, "web1", api.ServiceRestartResult{"/usr/sbin/nginx": api.RestartOK, "restarthandler.qemu": api.RestartNoHandler})
	env.reply(t, "web2", api.ServiceRestartResult{"/usr/sbin/nginx": api.RestartFailed, "restarthandler.qemu": api.RestartOK})

	var out bytes.Buffer
	err := Restart([]string{"--config", env.config, "--group", "web", "-p", "/usr/sbin/nginx", "-p", "restarthandler.qemu"}, &out, io.Discard)
	require.ErrorIs(t, err, errHostsFailed)

	require.Equal(t, []string{"/usr/bin/debdeploy-minion", "restart-service", "--program", "/usr/sbin/nginx", "--program", "restarthandler.qemu"}, env.fleet.calls[0].command)
	require.Contains(t, out.String(), "web1: /usr/sbin/nginx: restarted")
	require.Contains(t, out.String(), "web1: restarthandler.qemu: no restart handler")
	require.Contains(t, out.String(), "web2: /usr/sbin/nginx: FAILED")
	require.Contains(t, out.String(), "1/2 hosts succeeded")
}

func TestJobs(t *testing.T) {
	env := newMasterEnv(t)

	var out bytes.Buffer
	require.NoError(t, Jobs([]string{"--config", env.config}, &out, io.Discard))
	require.Contains(t, out.String(), "No jobs recorded.")

	env.reply(t, "db1", deployResult())
	require.NoError(t, Deploy([]string{"--config", env.config, "--spec", env.spec, "--group", "db"}, io.Discard, io.Discard))

	out.Reset()
	require.NoError(t, Jobs([]string{"--config", env.config}, &out, io.Discard))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "CREATED"))
	require.Contains(t, lines[1], "openssl-2024-01")
	require.Contains(t, lines[1], env.fleet.calls[0].jobID)
}

func TestSpecKey(t *testing.T) {
	require.Equal(t, "openssl-2024-01", specKey("/srv/specs/openssl-2024-01.yaml"))
	require.Equal(t, "bash", specKey("bash"))
}
