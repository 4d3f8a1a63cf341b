package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/InsulaLabs/drift/protocol"
	"github.com/InsulaLabs/drift/subscriber"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

type ListenCmd struct {
	flags *Flags

	channel string
	event   string
	private bool
	count   int
}

func NewListenCmd(flags *Flags) *ListenCmd {
	return &ListenCmd{flags: flags}
}

func (cmd *ListenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "listen",
		Usage:     "Print events from a relay channel",
		UsageText: "driftctl listen [--channel <topic>] [--event <name>] [--count N]",
		Description: `Subscribes to a channel and prints every matching event until interrupted.

The channel may be a full wire name (public-bottles) or a bare topic that
is turned into a public channel, or a private one with --private.`,
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
			&cli.IntFlag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "exit after N events, 0 to run until interrupted",
				Destination: &cmd.count,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *ListenCmd) run(ctx context.Context, c *cli.Command) error {
	mgr := cmd.flags.subscriptions(cmd.flags.Logger)
	defer mgr.Close()

	name := channelName(cmd.channel, cmd.private)
	ch := mgr.Subscribe(name)

	failed := make(chan error, 1)
	events := make(chan json.RawMessage, 16)
	stop := make(chan struct{})
	defer close(stop)

	subscribed := ch.Bind(protocol.EventSubscriptionSucceeded, func(json.RawMessage) {
		color.Green("Subscribed to %s", name)
	})
	defer subscribed.Unbind()
	rejected := ch.Bind(protocol.EventSubscriptionError, func(json.RawMessage) {
		select {
		case failed <- ch.Err():
		default:
		}
	})
	defer rejected.Unbind()
	incoming := ch.Bind(cmd.event, func(data json.RawMessage) {
		select {
		case events <- data:
		case <-stop:
		}
	})
	defer incoming.Unbind()

	if ch.State() == subscriber.Failed {
		return fmt.Errorf("subscribe %s: %w", name, ch.Err())
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return fmt.Errorf("subscribe %s: %w", name, err)
		case data := <-events:
			seen++
			fmt.Printf("%s %s %s\n",
				color.HiBlackString(time.Now().Format(time.TimeOnly)),
				color.CyanString(cmd.event),
				string(data))
			if cmd.count > 0 && seen >= cmd.count {
				return nil
			}
		}
	}
}
