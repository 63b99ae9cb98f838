package phone

import (
	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/mediarouter"
	"github.com/arzzra/webphone/pkg/presence"
)

// CallStatus состояние звонка
type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallCalling   CallStatus = "calling"
	CallIncoming  CallStatus = "incoming"
	CallConnected CallStatus = "connected"
)

// PhoneState наблюдаемый снимок состояния телефона
type PhoneState struct {
	ConnectionStatus   bool               `json:"connectionStatus"`
	RegistrationStatus bool               `json:"registrationStatus"`
	AgentStatus        presence.Status    `json:"agentStatus"`
	CallStatus         CallStatus         `json:"callStatus"`
	Direction          engine.Direction   `json:"direction,omitempty"`
	RemoteIdentity     string             `json:"remoteIdentity"`
	Timer              string             `json:"timer"`
	LastError          string             `json:"lastError,omitempty"`
	IsMuted            bool               `json:"isMuted"`
	IsOnHold           bool               `json:"isOnHold"`
	AudioLevel         float64            `json:"audioLevel"`
	HasRemoteStream    bool               `json:"hasRemoteStream"`
	ICEServers         []engine.ICEServer `json:"iceServers"`

	// RemoteStream дескриптор удаленного потока, не сериализуется
	RemoteStream *mediarouter.Stream `json:"-"`
}
