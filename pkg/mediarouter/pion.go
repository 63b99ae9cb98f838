package mediarouter

import (
	"github.com/pion/webrtc/v4"
)

// PionPeer адаптер *webrtc.PeerConnection к PeerConnection
type PionPeer struct {
	id string
	pc *webrtc.PeerConnection
}

// FromPion оборачивает pion peer connection с заданным идентификатором
func FromPion(id string, pc *webrtc.PeerConnection) *PionPeer {
	return &PionPeer{id: id, pc: pc}
}

// Raw возвращает исходный peer connection
func (p *PionPeer) Raw() *webrtc.PeerConnection { return p.pc }

func (p *PionPeer) HandleID() string { return p.id }

func (p *PionPeer) OnTrack(fn func(TrackEvent)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t := PionTrack{track}
		ev := TrackEvent{Track: t}
		if track.StreamID() != "" {
			ev.Streams = []Stream{{ID: track.StreamID(), Tracks: []RemoteTrack{t}}}
		}
		fn(ev)
	})
}

func (p *PionPeer) OnICECandidate(fn func(string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn("")
			return
		}
		fn(c.String())
	})
}

func (p *PionPeer) OnConnectionStateChange(fn func(string)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(s.String())
	})
}

func (p *PionPeer) RemoteTracks() []RemoteTrack {
	var out []RemoteTrack
	for _, r := range p.pc.GetReceivers() {
		if r == nil || r.Track() == nil {
			continue
		}
		out = append(out, PionTrack{r.Track()})
	}
	return out
}

// PionTrack адаптер *webrtc.TrackRemote. Через встроенный указатель
// доступен ReadRTP, поэтому трек можно отдать монитору уровня звука.
type PionTrack struct {
	*webrtc.TrackRemote
}

func (t PionTrack) Kind() string { return t.TrackRemote.Kind().String() }
