package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flo-mic/debdeploy/internal/api"
)

// RestartHandlerPrefix marks a program name as a restart handler, e.g.
// "restarthandler.qemu" runs <handler dir>/qemu.restart.
const RestartHandlerPrefix = "restarthandler."

// RunRestartHandler runs the handler script for name from dir and returns
// one of the api.Restart* codes.
func RunRestartHandler(ctx context.Context, dir, name string, log io.Writer) int {
	if name == "" || strings.ContainsAny(name, `/\`) {
		fmt.Fprintf(log, "[debdeploy] invalid restart handler name %q\n", name)
		return api.RestartNoHandler
	}
	script := filepath.Join(dir, name+".restart")
	if _, err := os.Stat(script); err != nil {
		fmt.Fprintf(log, "[debdeploy] restart handler %s not found\n", script)
		return api.RestartNoHandler
	}

	fmt.Fprintf(log, "[debdeploy] Running restart handler: %s\n", script)
	c := exec.CommandContext(ctx, script)
	c.Stdout = log
	c.Stderr = log
	c.Dir = "/"
	if err := c.Run(); err != nil {
		fmt.Fprintf(log, "[debdeploy] restart handler %s failed: %v\n", script, err)
		return api.RestartFailed
	}
	return api.RestartOK
}

// AppendAptLog appends the package manager output to the minion log file,
// each line prefixed with the current time.
func AppendAptLog(path, aptLog string, now time.Time) error {
	if strings.TrimSpace(aptLog) == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := now.Format("2006-01-02 15:04:05 ")
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(aptLog, "\n"), "\n") {
		b.WriteString(stamp)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Close()
}
