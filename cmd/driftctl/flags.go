package main

import (
	"log/slog"
	"time"

	"github.com/InsulaLabs/drift/channels"
	"github.com/InsulaLabs/drift/client"
	"github.com/InsulaLabs/drift/subscriber"
)

// Flags are the global options shared by every command.
type Flags struct {
	LogLevel string
	API      string
	RelayURL string
	RelayKey string
	Insecure bool
	Timeout  time.Duration

	Logger *slog.Logger
}

func (f *Flags) client() (*client.Client, error) {
	return client.NewClient(&client.Config{
		Endpoint:   f.API,
		SkipVerify: f.Insecure,
		Timeout:    f.Timeout,
		Logger:     f.Logger,
	})
}

func (f *Flags) subscriptions(logger *slog.Logger) *subscriber.Manager {
	return subscriber.Shared(subscriber.Config{
		URL:        f.RelayURL,
		Key:        f.RelayKey,
		SkipVerify: f.Insecure,
		Logger:     logger,
	})
}

// channelName accepts a full wire name or a bare topic.
func channelName(topic string, private bool) string {
	if channels.Valid(topic) {
		return topic
	}
	if private {
		return channels.Private(topic)
	}
	return channels.Public(topic)
}
