// Package audiomon измеряет уровень удаленного аудио по RTP пакетам.
//
// Монитор захватывается при появлении удаленного потока и обязательно
// закрывается при любом завершении звонка.
package audiomon

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/arzzra/webphone/pkg/logging"
)

// ErrUnsupportedTrack трек не дает доступа к RTP пакетам
var ErrUnsupportedTrack = errors.New("audiomon: track does not expose RTP packets")

// PacketReader источник RTP пакетов, совместимый с *webrtc.TrackRemote
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Payload type G.711
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// Meter считает RMS уровень по окну отсчетов. Не потокобезопасен.
type Meter struct {
	window  int
	sum     float64
	samples int
	level   float64
}

// NewMeter создает измеритель с окном в window отсчетов
func NewMeter(window int) *Meter {
	if window <= 0 {
		window = 800
	}
	return &Meter{window: window}
}

// Feed учитывает пакет. Возвращает true, когда окно заполнено и уровень
// пересчитан. Пакеты с неизвестным payload type пропускаются.
func (m *Meter) Feed(pkt *rtp.Packet) bool {
	if pkt == nil {
		return false
	}
	var decode func(byte) int16
	switch pkt.PayloadType {
	case PayloadPCMU:
		decode = DecodeULaw
	case PayloadPCMA:
		decode = DecodeALaw
	default:
		return false
	}

	updated := false
	for _, b := range pkt.Payload {
		v := float64(decode(b)) / 32768.0
		m.sum += v * v
		m.samples++
		if m.samples >= m.window {
			m.level = math.Sqrt(m.sum / float64(m.samples))
			m.sum, m.samples = 0, 0
			updated = true
		}
	}
	return updated
}

// Level последний рассчитанный уровень от 0 до 1
func (m *Meter) Level() float64 { return m.level }

// Monitor фоновое чтение трека с публикацией уровня
type Monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	level  float64
}

// Config параметры монитора
type Config struct {
	Window  int
	OnLevel func(level float64)
	Logger  logging.StructuredLogger
}

// Acquire запускает монитор для трека. track должен реализовывать
// PacketReader, иначе возвращается ErrUnsupportedTrack.
func Acquire(ctx context.Context, track interface{}, cfg Config) (*Monitor, error) {
	reader, ok := track.(PacketReader)
	if !ok || reader == nil {
		return nil, ErrUnsupportedTrack
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{cancel: cancel, done: make(chan struct{})}
	go m.run(ctx, reader, NewMeter(cfg.Window), cfg.OnLevel, logging.OrNop(cfg.Logger).WithComponent("audiomon"))
	return m, nil
}

func (m *Monitor) run(ctx context.Context, r PacketReader, meter *Meter, onLevel func(float64), log logging.StructuredLogger) {
	defer close(m.done)
	for {
		pkt, _, err := r.ReadRTP()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug(ctx, "audio monitor stopped", logging.Err(err))
			return
		}
		if !meter.Feed(pkt) {
			continue
		}
		m.mu.Lock()
		m.level = meter.Level()
		m.mu.Unlock()
		if onLevel != nil {
			onLevel(meter.Level())
		}
	}
}

// Level последний опубликованный уровень
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Done закрывается, когда чтение трека прекращено
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Close останавливает публикацию уровня. Безопасно вызывать повторно.
// Блокирующий ReadRTP завершится вместе с peer connection.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.once.Do(m.cancel)
}
