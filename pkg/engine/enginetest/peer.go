package enginetest

import (
	"sync"

	"github.com/arzzra/webphone/pkg/mediarouter"
)

// Track фейковый удаленный трек
type Track struct {
	TrackID string
	Stream  string
	TKind   string
}

func (t Track) ID() string       { return t.TrackID }
func (t Track) StreamID() string { return t.Stream }
func (t Track) Kind() string     { return t.TKind }

// AudioTrack создает аудио трек
func AudioTrack(id, stream string) Track {
	return Track{TrackID: id, Stream: stream, TKind: mediarouter.KindAudio}
}

// Peer фейковый peer connection, считающий подписки
type Peer struct {
	mu        sync.Mutex
	id        string
	receivers []mediarouter.RemoteTrack
	onTrack   func(mediarouter.TrackEvent)
	onState   func(string)

	TrackSubscriptions int
}

// NewPeer создает peer connection с уже согласованными получателями
func NewPeer(id string, receivers ...mediarouter.RemoteTrack) *Peer {
	return &Peer{id: id, receivers: receivers}
}

func (p *Peer) HandleID() string { return p.id }

func (p *Peer) OnTrack(fn func(mediarouter.TrackEvent)) {
	p.mu.Lock()
	p.TrackSubscriptions++
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnICECandidate(func(string)) {}

func (p *Peer) OnConnectionStateChange(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) RemoteTracks() []mediarouter.RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receivers
}

// EmitTrack доставляет событие трека подписчику
func (p *Peer) EmitTrack(ev mediarouter.TrackEvent) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Subscriptions число вызовов OnTrack
func (p *Peer) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TrackSubscriptions
}
