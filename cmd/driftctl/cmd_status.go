package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

type StatusCmd struct {
	flags *Flags
}

func NewStatusCmd(flags *Flags) *StatusCmd {
	return &StatusCmd{flags: flags}
}

func (cmd *StatusCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "status",
		Usage:  "Show daemon uptime and health",
		Action: cmd.run,
	})
	return app
}

func (cmd *StatusCmd) run(ctx context.Context, c *cli.Command) error {
	api, err := cmd.flags.client()
	if err != nil {
		return err
	}

	up, err := api.Uptime(ctx)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("started: %s\nuptime:  %s\n", up.StartedAt, up.Uptime)

	health, err := api.Health(ctx)
	if err != nil {
		return describe(err)
	}
	status := color.GreenString(health.Status)
	if health.Status != "OK" {
		status = color.YellowString(health.Status)
	}
	fmt.Printf("health:  %s (store: %s, realtime: %t)\n", status, health.Store, health.Realtime)
	return nil
}
