package restart

import (
	"regexp"
	"strings"
	"testing"
)

const lsofSample = `p1234
fmem
n/usr/lib/x86_64-linux-gnu/libssl.so.1.1
fDEL
n/usr/lib/x86_64-linux-gnu/libcrypto.so.1.1
f3
n/tmp/foo (deleted)
f4
nsocket:[1234]
p2000
fDEL
n/SYSV00000000
ftxt
n/usr/sbin/nginx (deleted)
p3000
f5
n(deleted)/usr/lib/libz.so.1
p4000
f6
n/usr/lib/libbar.so (path inode=991)
p5000
ftxt
n/usr/bin/true
`

func scan(t *testing.T, input string, blacklist []*regexp.Regexp) map[int]*Process {
	t.Helper()
	procs, err := ScanOpenFiles(strings.NewReader(input), blacklist, nil)
	if err != nil {
		t.Fatalf("ScanOpenFiles: %v", err)
	}
	out := make(map[int]*Process, len(procs))
	for _, p := range procs {
		out[p.PID] = p
	}
	return out
}

func TestScanOpenFiles(t *testing.T) {
	procs := scan(t, lsofSample, nil)
	if len(procs) != 5 {
		t.Fatalf("expected 5 processes, got %d", len(procs))
	}

	p := procs[1234]
	if len(p.Files) != 1 || p.Files[0] != "/usr/lib/x86_64-linux-gnu/libcrypto.so.1.1" {
		t.Errorf("pid 1234 files = %v", p.Files)
	}
	if !p.NeedsRestart() {
		t.Error("pid 1234 should need a restart")
	}

	if got := procs[2000].Files; len(got) != 1 || got[0] != "/usr/sbin/nginx (deleted)" {
		t.Errorf("pid 2000 files = %v", got)
	}

	// The OpenVZ-style leading marker is moved to the end.
	if got := procs[3000].Files; len(got) != 1 || got[0] != "/usr/lib/libz.so.1 (deleted)" {
		t.Errorf("pid 3000 files = %v", got)
	}

	if got := procs[4000].Files; len(got) != 1 {
		t.Errorf("pid 4000 files = %v", got)
	}

	if procs[5000].NeedsRestart() {
		t.Error("pid 5000 has no deleted files and should not need a restart")
	}
}

func TestScanOpenFiles_VolatileFilesIgnored(t *testing.T) {
	procs := scan(t, "p10\nfDEL\nn/tmp/x\nf3\nn/var/log/app.log (deleted)\n", nil)
	if procs[10].NeedsRestart() {
		t.Errorf("volatile files should not cause a restart, got %v", procs[10].Files)
	}
}

func TestScanOpenFiles_Blacklist(t *testing.T) {
	blacklist := []*regexp.Regexp{regexp.MustCompile(`^/opt/`)}
	procs := scan(t, "p10\nfDEL\nn/opt/app/lib.so\n", blacklist)
	if procs[10].NeedsRestart() {
		t.Error("blacklisted file should not cause a restart")
	}
}

func TestScanOpenFiles_ZeroLinkCount(t *testing.T) {
	procs := scan(t, "p10\nk0\np11\nk1\n", nil)
	if !procs[10].NeedsRestart() {
		t.Error("zero link count should need a restart")
	}
	if procs[11].NeedsRestart() {
		t.Error("non-zero link count should not need a restart")
	}
}

func TestScanOpenFiles_TolerantOfBadInput(t *testing.T) {
	input := strings.Join([]string{
		"n/usr/lib/orphan.so (deleted)", // before any process
		"fDEL",                          // before any process
		"pnotanumber",
		"n/usr/lib/x.so (deleted)", // no current process
		"p42",
		"n/usr/lib/nodescriptor.so (deleted)", // nothing to pop
		"kx",
		"",
		"fDEL",
		"n/usr/lib/libgood.so",
	}, "\n")

	procs := scan(t, input, nil)
	if len(procs) != 1 {
		t.Fatalf("expected only pid 42, got %d processes", len(procs))
	}
	if got := procs[42].Files; len(got) != 1 || got[0] != "/usr/lib/libgood.so" {
		t.Errorf("pid 42 files = %v", got)
	}
}

func TestScanOpenFiles_RepeatedPid(t *testing.T) {
	procs := scan(t, "p7\nfDEL\nn/usr/lib/a.so\np7\nfDEL\nn/usr/lib/b.so\n", nil)
	if got := procs[7].Files; len(got) != 2 {
		t.Errorf("repeated pid should accumulate files, got %v", got)
	}
}
