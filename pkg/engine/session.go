package engine

import (
	"context"
	"fmt"

	"github.com/arzzra/webphone/pkg/mediarouter"
)

// Direction направление сессии
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// SessionEventKind тип события сессии
type SessionEventKind int

const (
	SessionPeerConnection SessionEventKind = iota
	SessionSDP
	SessionProgress
	SessionConfirmed
	SessionEnded
	SessionFailed
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionPeerConnection:
		return "peerconnection"
	case SessionSDP:
		return "sdp"
	case SessionProgress:
		return "progress"
	case SessionConfirmed:
		return "confirmed"
	case SessionEnded:
		return "ended"
	case SessionFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionEventKind(%d)", int(k))
	}
}

// SDP тело предложения или ответа. Body можно изменить в обработчике
// события SessionSDP, движок отправит измененную версию.
type SDP struct {
	Originator Originator
	Type       string
	Body       string
}

// SessionEvent событие сессии
type SessionEvent struct {
	Kind           SessionEventKind
	PeerConnection mediarouter.PeerConnection
	SDP            *SDP
	Cause          string
}

// MediaOptions параметры медиа для ответа или вызова
type MediaOptions struct {
	Audio      bool
	Video      bool
	ICEServers []ICEServer
}

// Session дескриптор звонковой сессии движка
type Session interface {
	ID() string
	Direction() Direction
	RemoteUser() string
	// PeerConnection nil, пока peer connection не создан
	PeerConnection() mediarouter.PeerConnection
	// OnEvent устанавливает обработчик событий сессии
	OnEvent(func(SessionEvent))

	Answer(ctx context.Context, opts MediaOptions) error
	// Terminate завершает сессию. code 0 означает код по умолчанию.
	Terminate(ctx context.Context, code int, reason string) error

	Mute()
	Unmute()
	IsMuted() bool
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	IsOnHold() bool

	SendDTMF(ctx context.Context, tone string) error
	Refer(ctx context.Context, target string) error
}
