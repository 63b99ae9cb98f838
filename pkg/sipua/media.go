package sipua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/arzzra/webphone/pkg/engine"
)

const (
	mimeTelephoneEvent = "audio/telephone-event"
	telephoneEventPT   = 101

	// 20 мс G.711 при 8 кГц
	framePeriod  = 20 * time.Millisecond
	frameSamples = 160
)

var (
	errTrackNotBound    = errors.New("local audio track not bound")
	errNoTelephoneEvent = errors.New("telephone-event not negotiated")
)

// newMediaAPI создает API pion с G.711 и telephone-event.
// MediaEngine нельзя разделять между peer connection, поэтому API свой на сессию.
func newMediaAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	codecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, PayloadType: 0},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000}, PayloadType: 8},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTelephoneEvent, ClockRate: 8000, SDPFmtpLine: "0-16"}, PayloadType: telephoneEventPT},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

func toPionICE(in []engine.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

// newPeer создает peer connection с одним sendrecv аудио трансивером
func newPeer(ice []engine.ICEServer, streamID string) (*webrtc.PeerConnection, *audioTrack, error) {
	api, err := newMediaAPI()
	if err != nil {
		return nil, nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toPionICE(ice)})
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	track := newAudioTrack("audio", streamID)
	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	return pc, track, nil
}

// describe создает предложение или ответ и ждет окончания сбора ICE кандидатов,
// так как SIP передает SDP целиком
func describe(ctx context.Context, pc *webrtc.PeerConnection, offer bool) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if offer {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description missing")
	}
	return local.SDP, nil
}

// setDirection меняет направление аудио в SDP и увеличивает версию сессии
func setDirection(body string, direction string) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		attrs := md.Attributes[:0]
		for _, a := range md.Attributes {
			switch a.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				continue
			}
			attrs = append(attrs, a)
		}
		md.Attributes = append(attrs, sdp.NewPropertyAttribute(direction))
	}
	sd.Origin.SessionVersion++

	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// audioTrack локальный аудио трек. Пишет тишину кадрами по 20 мс и
// пакеты telephone-event в тот же RTP поток с сохранением payload type.
type audioTrack struct {
	id       string
	streamID string

	mu        sync.Mutex
	writer    webrtc.TrackLocalWriter
	ssrc      uint32
	audioPT   uint8
	silence   byte
	eventPT   uint8
	hasEvents bool
	paused    bool
	seq       uint16
	timestamp uint32

	// соответствие timestamp упаковщика DTMF текущему времени потока
	eventSrcTS uint32
	eventDstTS uint32
	eventOpen  bool

	stop chan struct{}
	once sync.Once
}

func newAudioTrack(id, streamID string) *audioTrack {
	return &audioTrack{id: id, streamID: streamID, stop: make(chan struct{})}
}

// Bind выбирает G.711 из согласованных кодеков и запускает отправку тишины
func (t *audioTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var chosen *webrtc.RTPCodecParameters
	params := ctx.CodecParameters()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range params {
		c := params[i]
		switch {
		case strings.EqualFold(c.MimeType, mimeTelephoneEvent):
			t.eventPT, t.hasEvents = uint8(c.PayloadType), true
		case chosen == nil && strings.EqualFold(c.MimeType, webrtc.MimeTypePCMU):
			chosen, t.silence = &params[i], 0xFF
		case chosen == nil && strings.EqualFold(c.MimeType, webrtc.MimeTypePCMA):
			chosen, t.silence = &params[i], 0xD5
		}
	}
	if chosen == nil {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	start := t.writer == nil
	t.writer = ctx.WriteStream()
	t.ssrc = uint32(ctx.SSRC())
	t.audioPT = uint8(chosen.PayloadType)
	if start {
		go t.pump()
	}
	return *chosen, nil
}

func (t *audioTrack) Unbind(webrtc.TrackLocalContext) error {
	t.mu.Lock()
	t.writer = nil
	t.mu.Unlock()
	return nil
}

func (t *audioTrack) ID() string                { return t.id }
func (t *audioTrack) RID() string               { return "" }
func (t *audioTrack) StreamID() string          { return t.streamID }
func (t *audioTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// setPaused останавливает отправку тишины на удержании и при отключении микрофона
func (t *audioTrack) setPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

func (t *audioTrack) close() {
	t.once.Do(func() { close(t.stop) })
}

// pump пишет кадр тишины каждые 20 мс. Timestamp идет и на паузе.
func (t *audioTrack) pump() {
	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		w := t.writer
		if w == nil {
			t.mu.Unlock()
			return
		}
		hdr := rtp.Header{Version: 2, PayloadType: t.audioPT, SequenceNumber: t.seq, Timestamp: t.timestamp, SSRC: t.ssrc}
		paused, fill := t.paused, t.silence
		t.timestamp += frameSamples
		if !paused {
			t.seq++
		}
		t.mu.Unlock()

		if paused {
			continue
		}
		payload := make([]byte, frameSamples)
		for i := range payload {
			payload[i] = fill
		}
		_, _ = w.WriteRTP(&hdr, payload)
	}
}

// WriteRTP отправляет пакет telephone-event в поток трека.
// SSRC, номер и timestamp переписываются под текущий поток.
func (t *audioTrack) WriteRTP(p *rtp.Packet) error {
	t.mu.Lock()
	w := t.writer
	if w == nil {
		t.mu.Unlock()
		return errTrackNotBound
	}
	if !t.hasEvents {
		t.mu.Unlock()
		return errNoTelephoneEvent
	}
	if !t.eventOpen || p.Timestamp != t.eventSrcTS {
		t.eventSrcTS, t.eventDstTS, t.eventOpen = p.Timestamp, t.timestamp, true
	}
	hdr := p.Header
	hdr.PayloadType = t.eventPT
	hdr.SSRC = t.ssrc
	hdr.SequenceNumber = t.seq
	hdr.Timestamp = t.eventDstTS
	t.seq++
	t.mu.Unlock()

	_, err := w.WriteRTP(&hdr, p.Payload)
	return err
}

// eventsNegotiated согласован ли telephone-event
func (t *audioTrack) eventsNegotiated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasEvents && t.writer != nil
}
