// Package calltimer отсчитывает длительность соединенного звонка.
package calltimer

import (
	"fmt"
	"sync"
	"time"
)

// Ticker источник тиков. Позволяет подменять time.Ticker в тестах.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory создает Ticker с заданным периодом
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// StdTicker фабрика на основе time.NewTicker
func StdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// Timer считает секунды с момента Start.
// Тик устаревшего запуска (после Stop или повторного Start) игнорируется.
type Timer struct {
	mu        sync.Mutex
	newTicker TickerFactory
	interval  time.Duration
	onTick    func(elapsed time.Duration)

	running bool
	gen     uint64
	elapsed time.Duration
	ticker  Ticker
	done    chan struct{}
}

// Option настройка таймера
type Option func(*Timer)

// WithTicker подменяет источник тиков
func WithTicker(f TickerFactory) Option {
	return func(t *Timer) { t.newTicker = f }
}

// WithOnTick регистрирует обработчик, вызываемый после каждого тика
func WithOnTick(fn func(elapsed time.Duration)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// New создает остановленный таймер с периодом в одну секунду
func New(opts ...Option) *Timer {
	t := &Timer{
		newTicker: StdTicker,
		interval:  time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start сбрасывает счетчик в ноль и запускает отсчет.
// Если таймер уже идет, предыдущий запуск останавливается.
func (t *Timer) Start() {
	t.mu.Lock()
	t.stopLocked()
	t.gen++
	t.elapsed = 0
	t.running = true
	t.ticker = t.newTicker(t.interval)
	t.done = make(chan struct{})
	gen, ticks, done := t.gen, t.ticker.C(), t.done
	t.mu.Unlock()

	go t.loop(gen, ticks, done)
}

func (t *Timer) loop(gen uint64, ticks <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticks:
			t.mu.Lock()
			if !t.running || t.gen != gen {
				t.mu.Unlock()
				return
			}
			t.elapsed += t.interval
			elapsed, cb := t.elapsed, t.onTick
			t.mu.Unlock()

			if cb != nil {
				cb(elapsed)
			}
		}
	}
}

// Stop останавливает отсчет. Безопасно вызывать повторно.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
}

func (t *Timer) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
	t.done = nil
}

// Reset останавливает таймер и обнуляет счетчик
func (t *Timer) Reset() {
	t.mu.Lock()
	t.stopLocked()
	t.elapsed = 0
	t.mu.Unlock()
}

// Running сообщает, идет ли отсчет
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed возвращает прошедшее время
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Display возвращает прошедшее время в виде HH:MM:SS
func (t *Timer) Display() string {
	return FormatElapsed(t.Elapsed())
}

// FormatElapsed форматирует длительность как HH:MM:SS с нулями слева.
// Отрицательные значения считаются нулем.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
