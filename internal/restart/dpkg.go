package restart

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// DefaultIgnorePackages are dropped from every snapshot: restarting them
// has no actionable meaning here.
var DefaultIgnorePackages = []string{"screen", "systemd"}

var diversionRe = regexp.MustCompile(`^diversion by (\S+) (from|to): (.*)$`)

// ownership is one package → program attribution from the package database.
type ownership struct {
	Package string
	Program string
}

// parseOwnership parses `dpkg-query --search` output.
//
// A diversion is reported as a "from" line, a "to" line and a summary line
// naming both packages. The diverted path is attributed once: to the
// diverting package on the "to" line, or to the packages of the first plain
// line for the diverted path when no "to" line came first. Later plain lines
// for the same path are suppressed.
func parseOwnership(r io.Reader, logger *slog.Logger) ([]ownership, error) {
	var (
		out      []ownership
		diverted string
		resolved bool
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "local diversion") || !strings.Contains(line, ":") {
			continue
		}

		if m := diversionRe.FindStringSubmatch(line); m != nil {
			if m[2] == "from" {
				diverted, resolved = m[3], false
				continue
			}
			if diverted == "" {
				logger.Warn("dpkg: diversion target without source, skipping", "line", line)
				continue
			}
			if !resolved {
				out = append(out, ownership{Package: m[1], Program: diverted})
				resolved = true
			}
			continue
		}

		pkgs, program, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if diverted != "" && program == diverted {
			if resolved {
				continue
			}
			resolved = true
		}
		for _, pkg := range strings.Split(pkgs, ", ") {
			if pkg = strings.TrimSpace(pkg); pkg != "" {
				out = append(out, ownership{Package: pkg, Program: program})
			}
		}
	}
	return out, scanner.Err()
}

// queryOwners runs one batched dpkg-query --search for programs.
func queryOwners(ctx context.Context, programs []string, logger *slog.Logger) ([]ownership, error) {
	if len(programs) == 0 {
		return nil, nil
	}
	args := append([]string{"--search"}, programs...)
	cmd := exec.CommandContext(ctx, "dpkg-query", args...)
	cmd.Env = append(cmd.Environ(), "LC_ALL=C")

	out, err := cmd.Output()
	// Exit code 1 only means that some paths have no owner.
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
		return nil, fmt.Errorf("dpkg-query --search: %w", err)
	}
	return parseOwnership(bytes.NewReader(out), logger)
}
