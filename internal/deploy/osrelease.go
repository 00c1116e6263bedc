package deploy

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

var osReleasePath = "/etc/os-release"

// Codename returns the distribution codename of the running system,
// e.g. "bookworm".
func Codename() (string, error) {
	f, err := os.Open(osReleasePath)
	if err != nil {
		return "", fmt.Errorf("reading os-release: %w", err)
	}
	defer f.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		fields[key] = strings.Trim(value, `"'`)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	for _, key := range []string{"VERSION_CODENAME", "UBUNTU_CODENAME"} {
		if fields[key] != "" {
			return fields[key], nil
		}
	}
	return "", fmt.Errorf("%s has no VERSION_CODENAME", osReleasePath)
}
