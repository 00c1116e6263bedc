package restart

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// volatilePrefixes are locations where processes routinely keep deleted
// files open. A deleted file below one of these never forces a restart.
var volatilePrefixes = []string{
	"/var/log/",
	"/var/local/log/",
	"/var/run/",
	"/var/local/run/",
	"/tmp/",
	"/dev/shm/",
	"/run/",
	"/drm",
	"/var/tmp/",
	"/var/local/tmp/",
	"/dev/zero",
	"/dev/pts/",
	"/usr/lib/locale/",
	"/home/",
	"/var/cache/fontconfig/",
	"/var/lib/nagios3/spool/",
	"/var/lib/postgresql/",
	"/[aio]", // MySQL AIO handles
}

var (
	deletedInodeRe = regexp.MustCompile(`\(path inode=[0-9]+\)$`)
	deletedSuffix  = " (deleted)"
)

// IsStale reports whether an open-but-deleted file indicates that the
// process holding it must be restarted.
func IsStale(path string, blacklist []*regexp.Regexp) bool {
	for _, re := range blacklist {
		if re.MatchString(path) {
			return false
		}
	}
	for _, prefix := range volatilePrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	if strings.HasSuffix(path, "icon-theme.cache") {
		return false
	}

	if strings.HasSuffix(path, deletedSuffix) || deletedInodeRe.MatchString(path) {
		return true
	}
	// Nothing matched: restart rather than silently skip.
	return true
}

// LoadBlacklist reads regular expressions, one per line, from the given
// files. Lines starting with '#' and blank lines are ignored.
func LoadBlacklist(paths []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening blacklist %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			re, err := regexp.Compile(line)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			out = append(out, re)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading blacklist %s: %w", path, err)
		}
	}
	return out, nil
}
