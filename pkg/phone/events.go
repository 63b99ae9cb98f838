package phone

import (
	"fmt"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/mediarouter"
)

// EventKind закрытый набор событий оркестратора. События движка, сессии
// и медиа сведены в одну таблицу диспетчеризации.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRegistered
	EventUnregistered
	EventRegistrationFailed
	EventNewSession
	EventPeerConnection
	EventSDP
	EventProgress
	EventConfirmed
	EventEnded
	EventFailed
	EventRemoteStream
	EventAudioLevel

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	EventConnected:          "connected",
	EventDisconnected:       "disconnected",
	EventRegistered:         "registered",
	EventUnregistered:       "unregistered",
	EventRegistrationFailed: "registrationFailed",
	EventNewSession:         "newSession",
	EventPeerConnection:     "peerConnection",
	EventSDP:                "sdp",
	EventProgress:           "progress",
	EventConfirmed:          "confirmed",
	EventEnded:              "ended",
	EventFailed:             "failed",
	EventRemoteStream:       "remoteStream",
	EventAudioLevel:         "audioLevel",
}

func (k EventKind) String() string {
	if k >= 0 && k < eventKindCount {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event событие оркестратора
type Event struct {
	Kind EventKind

	// SessionID сессия, к которой относится событие. Пусто для событий движка.
	SessionID  string
	Session    engine.Session
	Originator engine.Originator
	Cause      string

	PeerConnection mediarouter.PeerConnection
	SDP            *engine.SDP
	Stream         *mediarouter.Stream
	Level          float64
}

// FromEngineEvent переводит событие движка
func FromEngineEvent(ev engine.Event) Event {
	out := Event{Cause: ev.Cause, Originator: ev.Originator, Session: ev.Session}
	switch ev.Kind {
	case engine.EventConnected:
		out.Kind = EventConnected
	case engine.EventDisconnected:
		out.Kind = EventDisconnected
	case engine.EventRegistered:
		out.Kind = EventRegistered
	case engine.EventUnregistered:
		out.Kind = EventUnregistered
	case engine.EventRegistrationFailed:
		out.Kind = EventRegistrationFailed
	case engine.EventNewSession:
		out.Kind = EventNewSession
		if ev.Session != nil {
			out.SessionID = ev.Session.ID()
		}
	default:
		out.Kind = eventKindCount
	}
	return out
}

// FromSessionEvent переводит событие сессии
func FromSessionEvent(sessionID string, ev engine.SessionEvent) Event {
	out := Event{SessionID: sessionID, Cause: ev.Cause, PeerConnection: ev.PeerConnection, SDP: ev.SDP}
	switch ev.Kind {
	case engine.SessionPeerConnection:
		out.Kind = EventPeerConnection
	case engine.SessionSDP:
		out.Kind = EventSDP
	case engine.SessionProgress:
		out.Kind = EventProgress
	case engine.SessionConfirmed:
		out.Kind = EventConfirmed
	case engine.SessionEnded:
		out.Kind = EventEnded
	case engine.SessionFailed:
		out.Kind = EventFailed
	default:
		out.Kind = eventKindCount
	}
	return out
}

// handlerFunc меняет состояние под блокировкой и возвращает действия,
// которые выполняются после ее снятия
type handlerFunc func(o *Orchestrator, ev Event) []func()

var dispatchTable [eventKindCount]handlerFunc

func init() {
	dispatchTable = [eventKindCount]handlerFunc{
		EventConnected:          (*Orchestrator).onConnected,
		EventDisconnected:       (*Orchestrator).onDisconnected,
		EventRegistered:         (*Orchestrator).onRegistered,
		EventUnregistered:       (*Orchestrator).onUnregistered,
		EventRegistrationFailed: (*Orchestrator).onRegistrationFailed,
		EventNewSession:         (*Orchestrator).onNewSession,
		EventPeerConnection:     (*Orchestrator).onPeerConnection,
		EventSDP:                (*Orchestrator).onSDP,
		EventProgress:           (*Orchestrator).onProgress,
		EventConfirmed:          (*Orchestrator).onConfirmed,
		EventEnded:              (*Orchestrator).onEnded,
		EventFailed:             (*Orchestrator).onFailed,
		EventRemoteStream:       (*Orchestrator).onRemoteStream,
		EventAudioLevel:         (*Orchestrator).onAudioLevel,
	}
}
