package sipua

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSipfragStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"trying", "SIP/2.0 100 Trying\r\n", 100},
		{"ok без перевода строки", "SIP/2.0 200 OK", 200},
		{"busy", "SIP/2.0 486 Busy Here\r\nContent-Length: 0\r\n", 486},
		{"пустое тело", "", 0},
		{"не статус", "INVITE sip:1003@pbx.local SIP/2.0\r\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sipfragStatus([]byte(tt.body)))
		})
	}
}

func TestReferSubProgress(t *testing.T) {
	sub := newReferSub("sip:1003@pbx.local")
	assert.Equal(t, ReferStatePending, sub.state())

	assert.False(t, sub.onNotify(100, false))
	assert.Equal(t, ReferStateTrying, sub.state())

	assert.False(t, sub.onNotify(180, false))
	assert.Equal(t, ReferStateProceeding, sub.state())

	assert.True(t, sub.onNotify(200, false))
	assert.Equal(t, ReferStateCompleted, sub.state())
	assert.Equal(t, 200, sub.result())
	select {
	case <-sub.done:
	default:
		t.Fatal("subscription not done after final notify")
	}

	// повтор финального кода не меняет результат
	assert.False(t, sub.onNotify(503, true))
	assert.Equal(t, 200, sub.result())
	assert.Equal(t, ReferStateTerminated, sub.state())
}

func TestReferSubFailure(t *testing.T) {
	sub := newReferSub("sip:1003@pbx.local")

	assert.True(t, sub.onNotify(486, true))
	assert.Equal(t, ReferStateTerminated, sub.state())
	assert.Equal(t, 486, sub.result())
}

func TestReferSubTerminatedBeforeFinal(t *testing.T) {
	sub := newReferSub("sip:1003@pbx.local")

	sub.onNotify(100, true)
	assert.Equal(t, ReferStateTrying, sub.state())
	assert.Equal(t, 0, sub.result())
}
