package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/InsulaLabs/drift/internal/watchui"
	"github.com/InsulaLabs/drift/watch"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

type WatchCmd struct {
	flags *Flags

	channel string
	event   string
	private bool
}

func NewWatchCmd(flags *Flags) *WatchCmd {
	return &WatchCmd{flags: flags}
}

func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "watch",
		Usage: "Interactive view of the latest event on a channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "channel",
				Aliases:     []string{"c"},
				Value:       "bottles",
				Destination: &cmd.channel,
			},
			&cli.StringFlag{
				Name:        "event",
				Aliases:     []string{"e"},
				Value:       "bottle-thrown",
				Destination: &cmd.event,
			},
			&cli.BoolFlag{
				Name:        "private",
				Destination: &cmd.private,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	// Log lines would tear the TUI.
	quiet := slog.New(log.New(io.Discard))
	mgr := cmd.flags.subscriptions(quiet)
	defer mgr.Close()

	name := channelName(cmd.channel, cmd.private)
	w := watch.New(mgr, watch.Options{Channel: name, Event: cmd.event, Enabled: true})
	defer w.Close()

	return watchui.Run(ctx, w, name, cmd.event)
}
