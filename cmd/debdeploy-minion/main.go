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
		err = cmd.MinionDeploy(os.Args[2:], os.Stdout, os.Stderr)
	case "rollback":
		err = cmd.MinionRollback(os.Args[2:], os.Stdout, os.Stderr)
	case "restarts":
		err = cmd.MinionRestarts(os.Args[2:], os.Stdout, os.Stderr)
	case "restart-service":
		err = cmd.MinionRestartService(os.Args[2:], os.Stdout, os.Stderr)
	case "list-pkgs":
		err = cmd.MinionListPkgs(os.Args[2:], os.Stdout, os.Stderr)
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
	fmt.Fprintln(os.Stderr, "Usage: debdeploy-minion <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  deploy --source <pkg> --update-type <type> --fixes <distro=version,...>")
	fmt.Fprintln(os.Stderr, "  rollback --jobid <id>")
	fmt.Fprintln(os.Stderr, "  restarts [--libname <lib>...]")
	fmt.Fprintln(os.Stderr, "  restart-service --program <program>...")
	fmt.Fprintln(os.Stderr, "  list-pkgs")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "The job ID of deploy is read from $DEBDEPLOY_JOBID.")
}
