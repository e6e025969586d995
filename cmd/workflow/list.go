package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/swarmguard/workflow"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list every registered <module>:<flow>",
		Action: func(c *cli.Context) error {
			for _, name := range workflow.List() {
				fmt.Fprintln(os.Stdout, name)
			}
			return nil
		},
	}
}
