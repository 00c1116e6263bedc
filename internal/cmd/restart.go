package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/flo-mic/debdeploy/internal/api"
	"github.com/flo-mic/debdeploy/internal/config"
	"github.com/flo-mic/debdeploy/internal/fleet"
	"github.com/flo-mic/debdeploy/internal/updatespec"
)

// QueryRestart reports which programs on a server group still use old
// versions of the libraries of an update.
func QueryRestart(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("query-restart", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	specPath := fs.StringP("spec", "s", "", "Update spec naming the source package")
	source := fs.String("source", "", "Source package (instead of --spec)")
	group := fs.StringP("group", "g", "", "Server group to query")
	libs := fs.StringArrayP("library", "l", nil, "Library base name, e.g. libssl (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *group == "" {
		return fmt.Errorf("--group is required")
	}

	m, err := openMaster(*configPath, stderr)
	if err != nil {
		return err
	}
	defer m.Close()

	libraries := *libs
	if len(libraries) == 0 {
		var fromSpec []string
		if *specPath != "" {
			spec, err := updatespec.Load(*specPath, m.cfg.Distros)
			if err != nil {
				return err
			}
			*source, fromSpec = spec.Source, spec.Libraries
		}
		libraries = m.cfg.Libraries(*source, fromSpec)
	}
	if len(libraries) == 0 {
		return fmt.Errorf("no libraries to check: pass --library, or name them in the spec or in library_hints")
	}
	hosts, err := m.cfg.Group(*group)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	command := []string{"restarts"}
	for _, lib := range libraries {
		command = append(command, "--libname", lib)
	}
	fmt.Fprintf(stdout, "[debdeploy] Checking %s for users of %s\n", *group, strings.Join(libraries, ", "))

	return m.run(ctx, stdout, fleet.NewJobID(), hosts, command, func(host, output string) error {
		var r api.RestartReport
		if err := fleet.ParseOutput(output, &r); err != nil {
			return err
		}
		if len(r.Programs) == 0 {
			fmt.Fprintf(stdout, "[debdeploy] %s: no restarts needed\n", host)
			return nil
		}
		fmt.Fprintf(stdout, "[debdeploy] %s: needs restart: %s\n", host, strings.Join(r.Programs, " "))
		if len(r.Packages) > 0 {
			fmt.Fprintf(stdout, "[debdeploy] %s: packages: %s\n", host, strings.Join(r.Packages, " "))
		}
		return nil
	})
}

var restartCodes = map[int]string{
	api.RestartOK:         "restarted",
	api.RestartFailed:     "FAILED",
	api.RestartNotRunning: "not running",
	api.RestartNoHandler:  "no restart handler",
}

// Restart restarts the services of programs on a server group.
func Restart(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("restart", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultMasterPath, "Path to master config")
	group := fs.StringP("group", "g", "", "Server group")
	programs := fs.StringArrayP("program", "p", nil, "Program path or restarthandler.NAME (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *group == "" || len(*programs) == 0 {
		return fmt.Errorf("--group and at least one --program are required")
	}

	m, err := openMaster(*configPath, stderr)
	if err != nil {
		return err
	}
	defer m.Close()

	hosts, err := m.cfg.Group(*group)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	command := []string{"restart-service"}
	for _, p := range *programs {
		command = append(command, "--program", p)
	}

	return m.run(ctx, stdout, fleet.NewJobID(), hosts, command, func(host, output string) error {
		var r api.ServiceRestartResult
		if err := fleet.ParseOutput(output, &r); err != nil {
			return err
		}
		failed := 0
		for _, program := range sortedNames(r) {
			code := r[program]
			status, ok := restartCodes[code]
			if !ok {
				status = fmt.Sprintf("unknown result %d", code)
			}
			if code == api.RestartFailed || !ok {
				failed++
			}
			fmt.Fprintf(stdout, "[debdeploy] %s: %s: %s\n", host, program, status)
		}
		if failed > 0 {
			return fmt.Errorf("%d restarts failed", failed)
		}
		return nil
	})
}
