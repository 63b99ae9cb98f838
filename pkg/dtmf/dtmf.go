// Package dtmf формирует RTP пакеты telephone-event (RFC 4733).
package dtmf

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtp"
)

// Digit DTMF событие RFC 4733
type Digit uint8

const (
	Digit0     Digit = 0
	DigitStar  Digit = 10
	DigitPound Digit = 11
	DigitA     Digit = 12
	DigitD     Digit = 15
)

const toneSymbols = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(toneSymbols) {
		return toneSymbols[d : d+1]
	}
	return "?"
}

// ParseTones разбирает строку тонов. Допустимы 0-9, *, #, A-D в любом регистре.
func ParseTones(s string) ([]Digit, error) {
	if s == "" {
		return nil, fmt.Errorf("пустая строка DTMF")
	}
	digits := make([]Digit, 0, len(s))
	for _, r := range strings.ToUpper(s) {
		i := strings.IndexRune(toneSymbols, r)
		if i < 0 {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
		digits = append(digits, Digit(i))
	}
	return digits, nil
}

// ClockRate частота telephone-event
const ClockRate = 8000

// Options параметры отправки
type Options struct {
	PayloadType uint8
	SSRC        uint32
	Duration    time.Duration
	Gap         time.Duration
	// Volume уровень 0..63 (-dBm0)
	Volume uint8
}

// DefaultOptions значения по умолчанию: payload type 101, 100 мс тон, 70 мс пауза
func DefaultOptions() Options {
	return Options{PayloadType: 101, Duration: 100 * time.Millisecond, Gap: 70 * time.Millisecond, Volume: 10}
}

// Packetizer нумерует пакеты и ведет RTP timestamp между тонами
type Packetizer struct {
	opts      Options
	seq       uint16
	timestamp uint32
}

// NewPacketizer создает упаковщик
func NewPacketizer(opts Options) *Packetizer {
	if opts.Duration <= 0 {
		opts.Duration = DefaultOptions().Duration
	}
	if opts.Volume > 63 {
		opts.Volume = 63
	}
	return &Packetizer{opts: opts}
}

// Packets возвращает пакеты одного события: три начальных (маркер на первом)
// и три завершающих с флагом E. Все пакеты события имеют один timestamp.
func (p *Packetizer) Packets(d Digit) []*rtp.Packet {
	duration := uint16(p.opts.Duration.Seconds() * ClockRate)
	start := encodePayload(d, false, p.opts.Volume, duration)
	end := encodePayload(d, true, p.opts.Volume, duration)

	packets := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		payload := start
		if i >= 3 {
			payload = end
		}
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    p.opts.PayloadType,
				SequenceNumber: p.seq,
				Timestamp:      p.timestamp,
				SSRC:           p.opts.SSRC,
			},
			Payload: payload,
		})
		p.seq++
	}
	p.timestamp += uint32(duration) + uint32(p.opts.Gap.Seconds()*ClockRate)
	return packets
}

// encodePayload кодирует 4 байта: event, E|R|volume, duration big-endian
func encodePayload(d Digit, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = byte(d)
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// DecodePayload разбирает payload telephone-event
func DecodePayload(data []byte) (d Digit, end bool, volume uint8, duration uint16, err error) {
	if len(data) < 4 {
		return 0, false, 0, 0, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	return Digit(data[0]), data[1]&0x80 != 0, data[1] & 0x3F, uint16(data[2])<<8 | uint16(data[3]), nil
}

// Writer получатель пакетов, например *webrtc.TrackLocalStaticRTP
type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

// Send отправляет строку тонов с паузой opts.Gap между ними
func Send(ctx context.Context, w Writer, p *Packetizer, tones string) error {
	digits, err := ParseTones(tones)
	if err != nil {
		return err
	}
	for i, d := range digits {
		for _, pkt := range p.Packets(d) {
			if err := w.WriteRTP(pkt); err != nil {
				return fmt.Errorf("write dtmf %s: %w", d, err)
			}
		}
		if i == len(digits)-1 || p.opts.Gap <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.Gap):
		}
	}
	return nil
}
