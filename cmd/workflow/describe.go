package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/swarmguard/workflow"
)

func describeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "print a flow's static graph shape without running it",
		UsageText: "workflow describe <module>:<flow> [--dot]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dot", Usage: "render as Graphviz DOT instead of JSON"},
		},
		Action: func(c *cli.Context) error {
			qualified := c.Args().First()
			if qualified == "" {
				return cli.Exit("describe requires a <module>:<flow> argument", exitCLIError)
			}
			flow, err := workflow.Lookup(qualified)
			if err != nil {
				return cli.Exit(err.Error(), exitCLIError)
			}

			if c.Bool("dot") {
				fmt.Fprint(os.Stdout, flow.ExportDOT())
				return nil
			}

			encoded, err := json.MarshalIndent(flow.Describe(), "", "  ")
			if err != nil {
				return cli.Exit(err.Error(), exitCLIError)
			}
			fmt.Fprintln(os.Stdout, string(encoded))
			return nil
		},
	}
}
