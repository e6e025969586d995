package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/swarmguard/workflow"
	"github.com/swarmguard/workflow/schedule"
)

func scheduleStorePath(c *cli.Context) string {
	if p := c.String("store"); p != "" {
		return p
	}
	if p := os.Getenv("WORKFLOW_SCHEDULE_STORE"); p != "" {
		return p
	}
	return "workflow-schedules.db"
}

func scheduleCommand() *cli.Command {
	storeFlag := &cli.StringFlag{Name: "store", Usage: "path to the bbolt schedule database"}
	return &cli.Command{
		Name:  "schedule",
		Usage: "manage cron-triggered flow runs (supplements the core spec's run/describe/list surface)",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "persist and activate a cron-triggered flow run",
				UsageText: "workflow schedule add <id> <module>:<flow> '<cron-expr>' [--args '[...]']",
				Flags:     []cli.Flag{storeFlag, &cli.StringFlag{Name: "args", Usage: "JSON array of arguments"}},
				Action: func(c *cli.Context) error {
					if c.Args().Len() < 3 {
						return cli.Exit("schedule add requires <id> <module>:<flow> <cron-expr>", exitCLIError)
					}
					id, flowName, cronExpr := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

					var args []any
					if raw := c.String("args"); raw != "" {
						if err := json.Unmarshal([]byte(raw), &args); err != nil {
							return cli.Exit(fmt.Sprintf("parse --args: %v", err), exitCLIError)
						}
					}

					store, err := schedule.OpenStore(scheduleStorePath(c))
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					defer store.Close()

					err = store.Put(schedule.Config{
						ID:       id,
						Flow:     flowName,
						CronExpr: cronExpr,
						Args:     args,
						Enabled:  true,
						Created:  time.Now(),
					})
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					fmt.Fprintf(os.Stdout, "scheduled %s as %s (%s)\n", flowName, id, cronExpr)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "delete a persisted schedule",
				UsageText: "workflow schedule remove <id>",
				Flags:     []cli.Flag{storeFlag},
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("schedule remove requires <id>", exitCLIError)
					}
					store, err := schedule.OpenStore(scheduleStorePath(c))
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					defer store.Close()
					if err := store.Delete(id); err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					fmt.Fprintf(os.Stdout, "removed schedule %s\n", id)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list persisted schedules",
				Flags: []cli.Flag{storeFlag},
				Action: func(c *cli.Context) error {
					store, err := schedule.OpenStore(scheduleStorePath(c))
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					defer store.Close()
					configs, err := store.List()
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					encoded, _ := json.MarshalIndent(configs, "", "  ")
					fmt.Fprintln(os.Stdout, string(encoded))
					return nil
				},
			},
			{
				Name:  "run-daemon",
				Usage: "load persisted schedules and dispatch cron firings until interrupted",
				Flags: []cli.Flag{storeFlag},
				Action: func(c *cli.Context) error {
					store, err := schedule.OpenStore(scheduleStorePath(c))
					if err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					defer store.Close()

					runOpts := func(schedule.Config) workflow.RunOptions {
						return workflow.RunOptions{
							Cache:         eng.cache,
							ArtifactStore: eng.artifacts,
							Metrics:       eng.metrics,
							EventSink:     eng.eventSink(),
						}
					}
					sched := schedule.NewScheduler(store, workflow.DefaultRegistry(), runOpts, eng.logger)
					if err := sched.Start(); err != nil {
						return cli.Exit(err.Error(), exitCLIError)
					}
					defer sched.Stop()

					select {}
				},
			},
		},
	}
}
