package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/InsulaLabs/drift/client"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

type SeaCmd struct {
	flags *Flags
}

func NewSeaCmd(flags *Flags) *SeaCmd {
	return &SeaCmd{flags: flags}
}

func (cmd *SeaCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "throw",
			Usage:     "Throw a bottle into the sea",
			UsageText: "driftctl throw [message]",
			Description: `Stores a message in the sea. When no message argument is given the
message is read from stdin.

Examples:
  driftctl throw "hello out there"
  echo "hello" | driftctl throw`,
			Action: cmd.runThrow,
		},
		&cli.Command{
			Name:   "pick",
			Usage:  "Pick a random bottle from the sea",
			Action: cmd.runPick,
		},
	)
	return app
}

func (cmd *SeaCmd) runThrow(ctx context.Context, c *cli.Command) error {
	message := strings.Join(c.Args().Slice(), " ")
	if message == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		message = strings.TrimRight(string(data), "\n")
	}

	api, err := cmd.flags.client()
	if err != nil {
		return err
	}
	receipt, err := api.Throw(ctx, message)
	if err != nil {
		return describe(err)
	}
	color.Green("Bottle thrown")
	fmt.Printf("  id:   %s\n  time: %s\n", receipt.ID, time.UnixMilli(receipt.Timestamp).Format(time.RFC3339))
	return nil
}

func (cmd *SeaCmd) runPick(ctx context.Context, c *cli.Command) error {
	api, err := cmd.flags.client()
	if err != nil {
		return err
	}
	bottle, err := api.Pick(ctx)
	if errors.Is(err, client.ErrEmpty) {
		color.Yellow("The sea is empty. Throw a bottle first.")
		return nil
	}
	if err != nil {
		return describe(err)
	}

	color.Cyan("%s", bottle.Message)
	fmt.Printf("  id:   %s\n  time: %s\n", bottle.ID, time.UnixMilli(bottle.Timestamp).Format(time.RFC3339))
	return nil
}

// describe turns API errors into something a person can act on.
func describe(err error) error {
	var rl *client.ErrRateLimited
	if errors.As(err, &rl) {
		return fmt.Errorf("slow down, try again in %s", rl.RetryAfter)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Title != "" {
		return fmt.Errorf("%s: %s", apiErr.Title, apiErr.Message)
	}
	return err
}
