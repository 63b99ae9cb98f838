package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).WithComponent("orchestrator")

	ctx := WithCallID(context.Background(), "call-1")
	l.Info(ctx, "call confirmed", String("remote", "1001"), Int("attempt", 2))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "orchestrator", fields["component"])
	assert.Equal(t, "1001", fields["remote"])
	assert.Equal(t, int64(2), fields["attempt"])
	assert.Equal(t, "call-1", fields["call_id"])
}

func TestLogErrorAddsErrorField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.LogError(context.Background(), errors.New("boom"), "registration failed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"unknown level", Config{Level: "loud"}, true},
		{"file without size", Config{Level: "info", File: "/tmp/x.log"}, true},
		{"file with size", Config{Level: "debug", File: "/tmp/x.log", MaxSizeMB: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NewNop()
	assert.Equal(t, l, OrNop(l))
	assert.Empty(t, CallIDFrom(context.Background()))
}
