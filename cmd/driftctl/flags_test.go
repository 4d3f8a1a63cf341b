package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "public-bottles", channelName("bottles", false))
	assert.Equal(t, "public-bottles", channelName("public-bottles", true))
	assert.Equal(t, "private-user_1", channelName("user 1", true))
}

func TestSetupLogger(t *testing.T) {
	logger, err := setupLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = setupLogger("loud")
	assert.Error(t, err)
}
