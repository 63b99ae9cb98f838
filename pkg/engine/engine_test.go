package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialsValidate(t *testing.T) {
	ok := Credentials{User: "1001", Password: "secret", Domain: "pbx.local", SocketURL: "wss://pbx.local:8089/ws"}
	assert.NoError(t, ok.Validate())

	bad := Credentials{User: "1001", Domain: "pbx.local"}
	err := bad.Validate()
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Contains(t, err.Error(), "password, socketUrl")
}

func TestCredentialsIdentity(t *testing.T) {
	c := Credentials{User: "1001", Password: "a", Domain: "pbx.local", SocketURL: "wss://x"}
	d := c
	d.Password = "b"
	assert.Equal(t, c.Identity(), d.Identity())

	e := c
	e.User = "100"
	assert.NotEqual(t, c.Identity(), e.Identity())
	assert.Equal(t, "sip:1001@pbx.local", c.AOR())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "registrationFailed", EventRegistrationFailed.String())
	assert.Equal(t, "failed", SessionFailed.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}
