// Command workflow is the CLI surface of spec §6: run, describe, and
// list operate against flows registered in the process's
// workflow.Registry. Since Go has no dynamic-import equivalent of the
// original implementation's module-path resolution, every flow must be
// registered at init() time by the caller's own binary build (see
// examples/) — this binary itself only wires the generic subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/swarmguard/workflow"

	_ "github.com/swarmguard/workflow/examples/pipeline"
)

// Exit codes, grounded on the CLI example's contract-coded exit scheme.
const (
	exitSuccess      = 0
	exitRunFailure   = 1
	exitCLIError     = 2
)

func main() {
	workflow.RunIsolatedWorkerIfRequested()

	eng = bootstrap()
	defer eng.shutdown()

	app := &cli.App{
		Name:  "workflow",
		Usage: "run, inspect, and schedule DAG-shaped task flows",
		Commands: []*cli.Command{
			runCommand(),
			describeCommand(),
			listCommand(),
			scheduleCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(exitCLIError)
	}
}
