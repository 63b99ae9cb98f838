package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/history"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "webphone dev\n", out.String())
}

func TestHistoryCommandEmptyMemoryStore(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"history"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "No calls found\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("WEBPHONE_STORAGE_DRIVER", "sqlite")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	assert.Error(t, cmd.Execute())
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	store, closeStore, err := openStore(context.Background(), &cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.NoError(t, closeStore())
}

func TestStatusText(t *testing.T) {
	color.NoColor = true
	assert.Equal(t, "Connected", statusText(history.StatusConnected))
	assert.Equal(t, "Missed", statusText(history.StatusMissed))
	assert.Equal(t, "Unknown", statusText(history.StatusUnknown))
}
