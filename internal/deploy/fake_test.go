package deploy

import (
	"context"
	"errors"
	"maps"

	"github.com/flo-mic/debdeploy/internal/inventory"
	"github.com/flo-mic/debdeploy/internal/restart"
)

type installCall struct {
	targets   []string
	downgrade bool
}

// fakeSystem is an in-memory dpkg database driven by a fake apt.
type fakeSystem struct {
	pkgs       inventory.Snapshot
	binaries   map[string][]string
	candidates map[string]string
	// pulledIn is installed alongside the first Install call.
	pulledIn inventory.Snapshot

	exitCodes  []int
	removeErr  error
	refreshErr error
	// installErr fails the Install call number failInstall (1-based)
	// before it changes anything.
	installErr  error
	failInstall int

	refreshes int
	installs  []installCall
	removes   [][]string
}

func (f *fakeSystem) Snapshot(context.Context) (inventory.Snapshot, error) {
	return maps.Clone(f.pkgs), nil
}

func (f *fakeSystem) BinaryPackages(_ context.Context, source string) ([]string, error) {
	return f.binaries[source], nil
}

func (f *fakeSystem) RefreshIndex(context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func (f *fakeSystem) Install(_ context.Context, targets []inventory.Target, allowDowngrade bool) (inventory.Result, error) {
	call := installCall{downgrade: allowDowngrade}
	for _, t := range targets {
		call.targets = append(call.targets, t.String())
	}
	if f.installErr != nil && len(f.installs)+1 == f.failInstall {
		f.installs = append(f.installs, call)
		return inventory.Result{}, f.installErr
	}
	for _, t := range targets {
		version := t.Version
		if version == "" {
			version = f.candidates[t.Name]
		}
		f.pkgs[t.Name] = version
	}
	if len(f.installs) == 0 {
		maps.Copy(f.pkgs, f.pulledIn)
	}
	f.installs = append(f.installs, call)

	var code int
	if len(f.exitCodes) > 0 {
		code, f.exitCodes = f.exitCodes[0], f.exitCodes[1:]
	}
	return inventory.Result{Stdout: "stdout " + call.targets[0] + "\n", Stderr: "", ExitCode: code}, nil
}

func (f *fakeSystem) Remove(_ context.Context, names []string) error {
	f.removes = append(f.removes, names)
	if f.removeErr != nil {
		return f.removeErr
	}
	for _, n := range names {
		delete(f.pkgs, n)
	}
	return nil
}

// fakeScanner returns the given snapshots in order.
type fakeScanner struct {
	snaps []*restart.Snapshot
	err   error
	calls int
}

func (f *fakeScanner) Snapshot(context.Context) (*restart.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.snaps) {
		return nil, errors.New("unexpected restart scan")
	}
	s := f.snaps[f.calls]
	f.calls++
	return s, nil
}

func programs(paths ...string) *restart.Snapshot {
	s := &restart.Snapshot{
		Packages: make(map[string]*restart.Package),
		Programs: make(map[string][]*restart.Process),
	}
	for i, p := range paths {
		s.Programs[p] = []*restart.Process{{PID: 100 + i, Program: p}}
	}
	return s
}
