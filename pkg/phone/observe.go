package phone

import (
	"github.com/arzzra/webphone/pkg/calltimer"
	"github.com/arzzra/webphone/pkg/engine"
)

// Snapshot возвращает текущее состояние
func (o *Orchestrator) Snapshot() PhoneState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() PhoneState {
	st := PhoneState{
		ConnectionStatus:   o.connected,
		RegistrationStatus: o.registered,
		AgentStatus:        o.presence.Status(),
		CallStatus:         o.fsm.current(),
		Timer:              calltimer.FormatElapsed(0),
		LastError:          o.lastError,
		ICEServers:         append([]engine.ICEServer(nil), o.ice...),
	}
	if st.ICEServers == nil {
		st.ICEServers = []engine.ICEServer{}
	}
	if call := o.call; call != nil {
		st.Direction = call.direction
		st.RemoteIdentity = call.remote
		st.IsMuted = call.muted
		st.IsOnHold = call.onHold
		st.AudioLevel = call.level
		if call.stream != nil {
			stream := *call.stream
			st.RemoteStream = &stream
			st.HasRemoteStream = true
		}
	}
	if st.CallStatus == CallConnected {
		st.Timer = o.timer.Display()
	}
	return st
}

// Subscribe возвращает канал снимков состояния. Медленный подписчик
// получает только последний снимок. cancel закрывает канал.
func (o *Orchestrator) Subscribe() (<-chan PhoneState, func()) {
	ch := make(chan PhoneState, 1)

	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subMu.Unlock()

	ch <- o.Snapshot()

	cancel := func() {
		o.subMu.Lock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
		o.subMu.Unlock()
	}
	return ch, cancel
}

// publish рассылает снимок всем подписчикам без блокировки
func (o *Orchestrator) publish() {
	st := o.Snapshot()

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		// вытесняем устаревший снимок
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
