// Package mediarouter подключает обработчики peer connection ровно один раз
// на дескриптор и отдает потребителю первый удаленный аудио поток.
//
// Роутер не помечает чужие объекты: множество уже подключенных
// дескрипторов хранится в самом роутере.
package mediarouter

import (
	"context"
	"sync"

	"github.com/arzzra/webphone/pkg/logging"
)

// KindAudio тип аудио трека
const KindAudio = "audio"

// RemoteTrack удаленный медиа трек
type RemoteTrack interface {
	ID() string
	// StreamID пустой, если трек пришел без потока
	StreamID() string
	Kind() string
}

// Stream неизменяемый дескриптор удаленного потока
type Stream struct {
	ID     string
	Tracks []RemoteTrack
	// Synthesized поток собран из одиночного трека
	Synthesized bool
}

// AudioTrack возвращает первый аудио трек потока
func (s Stream) AudioTrack() RemoteTrack {
	for _, t := range s.Tracks {
		if t != nil && t.Kind() == KindAudio {
			return t
		}
	}
	return nil
}

// TrackEvent событие появления удаленного трека
type TrackEvent struct {
	Track   RemoteTrack
	Streams []Stream
}

// PeerConnection минимальный контракт peer connection, нужный роутеру
type PeerConnection interface {
	// HandleID стабильный идентификатор дескриптора
	HandleID() string
	OnTrack(func(TrackEvent))
	OnICECandidate(func(candidate string))
	OnConnectionStateChange(func(state string))
	// RemoteTracks треки уже согласованных получателей
	RemoteTracks() []RemoteTrack
}

type wiring struct {
	delivered bool
	onStream  func(Stream)
}

// Router подключает peer connection к потребителю потока
type Router struct {
	mu     sync.Mutex
	wired  map[string]*wiring
	logger logging.StructuredLogger
}

// New создает роутер
func New(logger logging.StructuredLogger) *Router {
	return &Router{
		wired:  make(map[string]*wiring),
		logger: logging.OrNop(logger).WithComponent("media_router"),
	}
}

// Wire подключает обработчики к pc. Повторный вызов для того же дескриптора
// ничего не делает и возвращает false. Уже согласованные получатели
// проверяются сразу, чтобы не потерять трек, пришедший до подключения.
func (r *Router) Wire(pc PeerConnection, onStream func(Stream)) bool {
	if pc == nil {
		return false
	}
	id := pc.HandleID()

	r.mu.Lock()
	if _, ok := r.wired[id]; ok {
		r.mu.Unlock()
		return false
	}
	w := &wiring{onStream: onStream}
	r.wired[id] = w
	r.mu.Unlock()

	ctx := context.Background()
	log := r.logger.WithFields(logging.String("pc", id))

	pc.OnTrack(func(ev TrackEvent) {
		if ev.Track == nil {
			return
		}
		log.Debug(ctx, "remote track", logging.String("track", ev.Track.ID()), logging.String("kind", ev.Track.Kind()))
		if ev.Track.Kind() != KindAudio {
			return
		}
		if len(ev.Streams) > 0 {
			r.deliver(id, ev.Streams[0])
			return
		}
		r.deliver(id, synthesize(ev.Track))
	})
	pc.OnICECandidate(func(candidate string) {
		if candidate == "" {
			log.Debug(ctx, "ice gathering complete")
			return
		}
		log.Debug(ctx, "ice candidate", logging.String("candidate", candidate))
	})
	pc.OnConnectionStateChange(func(state string) {
		log.Info(ctx, "peer connection state", logging.String("state", state))
	})

	for _, track := range pc.RemoteTracks() {
		if track != nil && track.Kind() == KindAudio {
			r.deliver(id, streamOf(track))
			break
		}
	}
	return true
}

// deliver отдает поток потребителю только один раз на дескриптор
func (r *Router) deliver(id string, s Stream) {
	r.mu.Lock()
	w, ok := r.wired[id]
	if !ok || w.delivered {
		r.mu.Unlock()
		return
	}
	w.delivered = true
	cb := w.onStream
	r.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

// IsWired сообщает, подключен ли дескриптор
func (r *Router) IsWired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.wired[id]
	return ok
}

// Release забывает дескриптор после завершения сессии.
// Обработчики, уже установленные на pc, больше ничего не доставят.
func (r *Router) Release(id string) {
	r.mu.Lock()
	delete(r.wired, id)
	r.mu.Unlock()
}

func streamOf(track RemoteTrack) Stream {
	if track.StreamID() == "" {
		return synthesize(track)
	}
	return Stream{ID: track.StreamID(), Tracks: []RemoteTrack{track}}
}

func synthesize(track RemoteTrack) Stream {
	return Stream{ID: "synthetic-" + track.ID(), Tracks: []RemoteTrack{track}, Synthesized: true}
}
