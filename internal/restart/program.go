package restart

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	interpreterRe = regexp.MustCompile(`^/usr/bin/(perl|python|ruby|tclsh)`)
	// spamd rewrites its argv[0] at runtime; the trailing blank matters.
	spamdRe       = regexp.MustCompile(`^/usr/sbin/spamd |^spamd `)
	usrProgramRe  = regexp.MustCompile(`^(/usr/\S+)$`)
	cleanSuffixRe = regexp.MustCompile(`( \(deleted\)|\.dpkg-new).*$`)
)

// Resolver maps a pid to the canonical path of the program it runs.
type Resolver struct {
	// ProcDir is the procfs mount point, "/proc" when empty.
	ProcDir string
	// Root is the filesystem root used to detect a symlinked /usr, "/" when empty.
	Root string
	// Path is the search path for interpreted scripts given by bare name;
	// the PATH environment variable when empty.
	Path   string
	Logger *slog.Logger
}

func (r *Resolver) procDir() string {
	if r.ProcDir == "" {
		return "/proc"
	}
	return r.ProcDir
}

func (r *Resolver) root() string {
	if r.Root == "" {
		return "/"
	}
	return r.Root
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// ResolveProgram returns the canonical program path for pid. A process that
// exited before it could be inspected yields "" and no error.
func (r *Resolver) ResolveProgram(pid int) (string, error) {
	pidDir := filepath.Join(r.procDir(), strconv.Itoa(pid))

	program, err := os.Readlink(filepath.Join(pidDir, "exe"))
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			r.logger().Debug("process vanished before inspection", "pid", pid)
			return "", nil
		case pid == 1:
			r.logger().Warn("found unreadable pid 1, assuming a container or vserver and continuing", "err", err)
			return "", nil
		default:
			return "", fmt.Errorf("reading executable of pid %d: %w", pid, err)
		}
	}

	if interpreterRe.MatchString(program) {
		cmdline, err := os.ReadFile(filepath.Join(pidDir, "cmdline"))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			r.logger().Debug("process vanished before inspection", "pid", pid)
			return "", nil
		case err != nil:
			return "", fmt.Errorf("reading cmdline of pid %d: %w", pid, err)
		}
		if script := r.scriptFromCmdline(string(cmdline)); script != "" {
			program = script
		}
	}

	return r.CleanPath(program), nil
}

// scriptFromCmdline recovers the script run by an interpreter from its
// NUL-separated argument vector. It returns "" when no script under /usr
// can be identified.
func (r *Resolver) scriptFromCmdline(cmdline string) string {
	args := strings.Split(cmdline, "\x00")
	if len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	if len(args) == 0 {
		return ""
	}
	if spamdRe.MatchString(args[0]) {
		return "/usr/sbin/spamd"
	}

	args = args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if len(args) == 0 || args[0] == "" {
		return ""
	}

	m := usrProgramRe.FindStringSubmatch(r.which(args[0]))
	if m == nil {
		return ""
	}
	return m[1]
}

// which looks program up in the search path the way a shell would. It
// returns program unchanged when it is absolute or cannot be found.
func (r *Resolver) which(program string) string {
	if filepath.IsAbs(program) {
		return program
	}
	searchPath := r.Path
	if searchPath == "" {
		searchPath = os.Getenv("PATH")
	}
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(searchPath) {
		dir, err := filepath.Abs(dir)
		if err != nil || seen[dir] {
			continue
		}
		seen[dir] = true

		name := filepath.Join(dir, program)
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			continue
		}
		if unix.Access(name, unix.X_OK) == nil {
			return name
		}
	}
	return program
}

// CleanPath normalizes a program path for comparison with package
// contents: it cuts NUL garbage, follows a symlinked /usr and strips
// deletion and dpkg-new suffixes.
func (r *Resolver) CleanPath(path string) string {
	if i := strings.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}

	if path == "/usr" || strings.HasPrefix(path, "/usr/") {
		usr := filepath.Join(r.root(), "usr")
		if info, err := os.Lstat(usr); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			if target, err := os.Readlink(usr); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join("/", target)
				}
				path = target + strings.TrimPrefix(path, "/usr")
			}
		}
	}

	return cleanSuffixRe.ReplaceAllString(path, "")
}
