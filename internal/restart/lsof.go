package restart

import (
	"bufio"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Process is one live process as seen by a single scan. Pids may be reused
// between scans, so a Process never outlives the scan that built it.
type Process struct {
	PID     int
	Program string

	// Files holds deleted or replaced files that the classifier deemed stale.
	Files []string
	// Links holds the link counts reported for the process's files. A zero
	// count is a broken link.
	Links []int

	descriptors []string
}

// NeedsRestart reports whether the process holds a stale file or a file
// with a zero link count.
func (p *Process) NeedsRestart() bool {
	if len(p.Files) > 0 {
		return true
	}
	for _, l := range p.Links {
		if l == 0 {
			return true
		}
	}
	return false
}

func (p *Process) pushDescriptor(fd string) {
	p.descriptors = append(p.descriptors, fd)
}

// popDescriptor removes and returns the last descriptor. ok is false when
// the name line had no descriptor in front of it.
func (p *Process) popDescriptor() (fd string, ok bool) {
	n := len(p.descriptors)
	if n == 0 {
		return "", false
	}
	fd = p.descriptors[n-1]
	p.descriptors = p.descriptors[:n-1]
	return fd, true
}

var deletedMarkerRe = regexp.MustCompile(`\(deleted\)`)

// lsofScanner consumes the field output of `lsof +XL -F nf` one line at a
// time. It keeps the current process context; descriptors are pushed by
// 'f' lines and consumed by the following 'n' line.
type lsofScanner struct {
	blacklist []*regexp.Regexp
	logger    *slog.Logger

	processes map[int]*Process
	current   *Process
	dropped   int
}

func newLsofScanner(blacklist []*regexp.Regexp, logger *slog.Logger) *lsofScanner {
	return &lsofScanner{
		blacklist: blacklist,
		logger:    logger,
		processes: make(map[int]*Process),
	}
}

// Feed handles one line of lsof field output. Lines that cannot be
// interpreted are dropped; a scan never fails on bad input.
func (s *lsofScanner) Feed(line string) {
	if line == "" {
		return
	}
	field, data := line[0], line[1:]

	if field == 'p' {
		pid, err := strconv.Atoi(data)
		if err != nil {
			s.drop("bad pid", line)
			s.current = nil
			return
		}
		p, ok := s.processes[pid]
		if !ok {
			p = &Process{PID: pid}
			s.processes[pid] = p
		}
		s.current = p
		return
	}

	if s.current == nil {
		s.drop("field outside process", line)
		return
	}

	switch field {
	case 'f':
		s.current.pushDescriptor(data)
	case 'k':
		n, err := strconv.Atoi(data)
		if err != nil {
			s.drop("bad link count", line)
			return
		}
		s.current.Links = append(s.current.Links, n)
	case 'n':
		s.name(data)
	}
}

func (s *lsofScanner) name(data string) {
	last, ok := s.current.popDescriptor()
	if !ok {
		s.drop("name without descriptor", data)
		return
	}

	// System V IPC objects and anything that is not a path are not files.
	if strings.Contains(data, "SYSV") {
		return
	}
	switch {
	case strings.HasPrefix(data, "(deleted)/"):
		data = strings.TrimPrefix(data, "(deleted)") + deletedSuffix
	case strings.HasPrefix(data, " (deleted)/"):
		data = strings.TrimPrefix(data, " (deleted)") + deletedSuffix
	case strings.HasPrefix(data, "/"):
	default:
		return
	}

	if strings.Contains(last, "DEL") || deletedMarkerRe.MatchString(data) || deletedInodeRe.MatchString(data) {
		if IsStale(data, s.blacklist) {
			s.current.Files = append(s.current.Files, data)
		}
	}
}

func (s *lsofScanner) drop(reason, line string) {
	s.dropped++
	if s.logger != nil {
		s.logger.Debug("lsof: dropping field", "reason", reason, "line", line)
	}
}

// Processes returns the scanned processes ordered by pid.
func (s *lsofScanner) Processes() []*Process {
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		p.descriptors = nil
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// ScanOpenFiles parses a complete lsof field stream.
func ScanOpenFiles(r io.Reader, blacklist []*regexp.Regexp, logger *slog.Logger) ([]*Process, error) {
	s := newLsofScanner(blacklist, logger)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.Feed(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s.Processes(), nil
}
