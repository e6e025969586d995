package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/swarmguard/workflow"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a registered flow to completion",
		UsageText: "workflow run <module>:<flow> [--args '[...]'] [--max-concurrency N] [--failure-policy fail_fast|continue|aggregate]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "args", Usage: "accepted but not used: Flow.Run takes no arguments"},
			&cli.IntFlag{Name: "max-concurrency", Usage: "bound on simultaneously running tasks (0 = MAX_DYNAMIC_TASKS if set, else the flow's node count)"},
			&cli.StringFlag{Name: "failure-policy", Value: "fail_fast", Usage: "fail_fast | continue | aggregate"},
			&cli.DurationFlag{Name: "timeout", Usage: "overall wall-clock budget for the run (0 = unbounded)"},
		},
		Action: func(c *cli.Context) error {
			qualified := c.Args().First()
			if qualified == "" {
				return cli.Exit("run requires a <module>:<flow> argument", exitCLIError)
			}

			flow, err := workflow.Lookup(qualified)
			if err != nil {
				return cli.Exit(err.Error(), exitCLIError)
			}

			policy, err := parseFailurePolicy(c.String("failure-policy"))
			if err != nil {
				return cli.Exit(err.Error(), exitCLIError)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			opts := workflow.RunOptions{
				MaxConcurrency: c.Int("max-concurrency"),
				FailurePolicy:  policy,
				Cache:          eng.cache,
				ArtifactStore:  eng.artifacts,
				Metrics:        eng.metrics,
				EventSink:      eng.eventSink(),
			}

			eng.logger.Info("flow starting", "flow", qualified, "max_concurrency", opts.MaxConcurrency, "failure_policy", c.String("failure-policy"))

			start := time.Now()
			result, err := flow.Run(ctx, opts)
			elapsed := time.Since(start)

			if err != nil {
				eng.logger.Error("flow failed", "flow", qualified, "elapsed", elapsed, "error", err)
				fmt.Fprintf(os.Stderr, "flow %s failed after %s: %v\n", qualified, elapsed, err)
				return cli.Exit("", exitRunFailure)
			}

			encoded, marshalErr := json.MarshalIndent(result, "", "  ")
			if marshalErr != nil {
				fmt.Fprintf(os.Stdout, "%v\n", result)
			} else {
				fmt.Fprintln(os.Stdout, string(encoded))
			}
			eng.logger.Info("flow completed", "flow", qualified, "elapsed", elapsed)
			fmt.Fprintf(os.Stderr, "flow %s completed in %s\n", qualified, elapsed)
			return nil
		},
	}
}

func parseFailurePolicy(raw string) (workflow.FailurePolicy, error) {
	switch raw {
	case "fail_fast", "":
		return workflow.FailFast, nil
	case "continue":
		return workflow.Continue, nil
	case "aggregate":
		return workflow.Aggregate, nil
	default:
		return 0, &workflow.ValidationError{Message: fmt.Sprintf("unknown --failure-policy value %q", raw)}
	}
}
