package sipua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/engine"
)

func TestParseSocketURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Endpoint
	}{
		{"wss с портом", "wss://pbx.local:8089", Endpoint{Transport: "WSS", Host: "pbx.local", Port: 8089}},
		{"wss без порта", "wss://sip.example.org", Endpoint{Transport: "WSS", Host: "sip.example.org", Port: 443}},
		{"ws с корневым путем", "ws://10.0.0.5/", Endpoint{Transport: "WS", Host: "10.0.0.5", Port: 80}},
		{"схема в верхнем регистре", " WSS://pbx.local:7443 ", Endpoint{Transport: "WSS", Host: "pbx.local", Port: 7443}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSocketURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSocketURLErrors(t *testing.T) {
	for _, raw := range []string{"", "http://pbx.local", "wss://", "wss://pbx.local:0", "wss://pbx.local:99999", "://bad"} {
		_, err := ParseSocketURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseSocketURLRejectsPath(t *testing.T) {
	for _, raw := range []string{"wss://pbx.local:8089/ws", "ws://10.0.0.5/sip/ws"} {
		_, err := ParseSocketURL(raw)
		assert.ErrorIs(t, err, ErrSocketPath, raw)
	}
}

func TestNewRejectsSocketPath(t *testing.T) {
	_, err := New(engine.Config{Credentials: engine.Credentials{
		User: "1001", Password: "secret", Domain: "pbx.local", SocketURL: "wss://pbx.local:8089/ws",
	}}, DefaultOptions())
	assert.ErrorIs(t, err, ErrSocketPath)
}

func TestEndpointAddr(t *testing.T) {
	ep := Endpoint{Transport: "WSS", Host: "pbx.local", Port: 8089}
	assert.Equal(t, "pbx.local:8089", ep.Addr())
	assert.True(t, ep.Secure())

	v6 := Endpoint{Transport: "WS", Host: "::1", Port: 80}
	assert.Equal(t, "[::1]:80", v6.Addr())
	assert.False(t, v6.Secure())
}

func TestCauseFor(t *testing.T) {
	assert.Equal(t, CauseBusy, causeFor(486))
	assert.Equal(t, CauseBusy, causeFor(600))
	assert.Equal(t, CauseRejected, causeFor(603))
	assert.Equal(t, CauseUnavailable, causeFor(480))
	assert.Equal(t, CauseNotFound, causeFor(404))
	assert.Equal(t, CauseCanceled, causeFor(487))
	assert.Equal(t, CauseAuthentication, causeFor(407))
	assert.Equal(t, CauseIncompatibleSDP, causeFor(488))
	assert.Equal(t, CauseSIPFailure, causeFor(502))
}
