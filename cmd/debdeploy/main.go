package main

import (
	"fmt"
	"os"

	"github.com/flo-mic/debdeploy/internal/cmd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "deploy":
		err = cmd.Deploy(os.Args[2:], os.Stdout, os.Stderr)
	case "rollback":
		err = cmd.Rollback(os.Args[2:], os.Stdout, os.Stderr)
	case "query-restart":
		err = cmd.QueryRestart(os.Args[2:], os.Stdout, os.Stderr)
	case "restart":
		err = cmd.Restart(os.Args[2:], os.Stdout, os.Stderr)
	case "jobs":
		err = cmd.Jobs(os.Args[2:], os.Stdout, os.Stderr)
	case "new-spec":
		err = cmd.NewSpec(os.Args[2:], os.Stdout, os.Stderr)
	case "install-minion":
		err = cmd.InstallMinion(os.Args[2:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: debdeploy <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  deploy -s <spec> -g <group>         Deploy an update to a server group")
	fmt.Fprintln(os.Stderr, "  rollback -s <spec> -g <group>       Roll back a deployment")
	fmt.Fprintln(os.Stderr, "  query-restart -s <spec> -g <group>  Show programs still using old libraries")
	fmt.Fprintln(os.Stderr, "  restart -g <group> -p <program>     Restart the services of programs")
	fmt.Fprintln(os.Stderr, "  jobs [-n <limit>]                   List recorded deployments")
	fmt.Fprintln(os.Stderr, "  new-spec <file.yaml>                Write an update spec interactively")
	fmt.Fprintln(os.Stderr, "  install-minion --host <host>        Install debdeploy-minion via SSH")
}
