package restart

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ServiceUnit returns the systemd service unit that pid belongs to, read
// from <procDir>/<pid>/cgroup, or "" when the process is not part of a
// service unit. Both the cgroup v1 name=systemd hierarchy and the unified
// v2 hierarchy are understood.
func ServiceUnit(procDir string, pid int) string {
	f, err := os.Open(filepath.Join(procDir, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return ""
	}
	defer f.Close()

	var unified string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		switch {
		case parts[1] == "name=systemd":
			return unitFromCgroupPath(parts[2])
		case parts[0] == "0" && parts[1] == "":
			unified = unitFromCgroupPath(parts[2])
		}
	}
	return unified
}

func unitFromCgroupPath(path string) string {
	// Trailing elements below the unit (e.g. "/init.scope") are not units.
	for _, elem := range reverse(strings.Split(path, "/")) {
		if strings.HasSuffix(elem, ".service") {
			return elem
		}
	}
	return ""
}

func reverse(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[len(ss)-1-i] = s
	}
	return out
}

// InitScript returns the base name of the sysvinit script for program
// below root, or "" when there is none. The daemon name usually equals the
// script name; a few well-known daemons are mapped explicitly.
func InitScript(root, program string) string {
	name := filepath.Base(program)
	if mapped, ok := initScriptAliases[name]; ok {
		name = mapped
	}
	if _, err := os.Stat(filepath.Join(root, "etc", "init.d", name)); err != nil {
		return ""
	}
	return name
}

var initScriptAliases = map[string]string{
	"ntpd": "ntp",
}
