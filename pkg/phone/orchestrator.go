// Package phone содержит оркестратор звонковой сессии софтфона.
//
// Orchestrator объединяет события сигнального движка и peer connection
// в один конечный автомат звонка. Все события проходят через Dispatch,
// который сериализует их, поэтому обработчики видят согласованное состояние.
// Вызовы движка и сессии выполняются после снятия блокировки.
package phone

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/audiomon"
	"github.com/arzzra/webphone/pkg/calltimer"
	"github.com/arzzra/webphone/pkg/codecpref"
	"github.com/arzzra/webphone/pkg/connection"
	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/mediarouter"
	"github.com/arzzra/webphone/pkg/presence"
	"github.com/arzzra/webphone/pkg/storage"
)

// Config конфигурация оркестратора
type Config struct {
	// Factory создает сигнальный движок при логине
	Factory engine.Factory

	// Store хранилище учетных данных и журнала. nil означает память процесса.
	Store storage.Store

	Logger  logging.StructuredLogger
	Metrics MetricsConfig

	// TickerFactory источник тиков таймера звонка
	TickerFactory calltimer.TickerFactory

	// Now источник времени для журнала
	Now func() time.Time

	// MonitorWindow окно измерения уровня звука в отсчетах
	MonitorWindow int

	// MonitorDisabled отключает измерение уровня звука
	MonitorDisabled bool
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Factory == nil {
		return errors.New("phone: engine factory is required")
	}
	return nil
}

// activeCall состояние текущей сессии
type activeCall struct {
	session   engine.Session
	id        string
	ctx       context.Context
	direction engine.Direction
	remote    string
	draft     history.Entry

	startedAt   time.Time
	connectedAt time.Time

	pcID    string
	stream  *mediarouter.Stream
	monitor *audiomon.Monitor
	level   float64
	muted   bool
	onHold  bool
}

// Orchestrator верхнеуровневый автомат состояний софтфона
type Orchestrator struct {
	cfg      Config
	logger   logging.StructuredLogger
	conn     *connection.Manager
	presence *presence.Controller
	router   *mediarouter.Router
	timer    *calltimer.Timer
	history  *history.Log
	store    storage.Store
	metrics  *Metrics
	fsm      *callFSM

	mu         sync.Mutex
	connected  bool
	registered bool
	creds      engine.Credentials
	ice        []engine.ICEServer
	lastError  string
	call       *activeCall

	subMu  sync.Mutex
	subs   map[int]chan PhoneState
	nextID int

	// persistMu упорядочивает запись журнала в хранилище с его очисткой
	persistMu sync.Mutex
}

// New создает оркестратор и загружает сохраненный журнал звонков
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickerFactory == nil {
		cfg.TickerFactory = calltimer.StdTicker
	}

	logger := logging.OrNop(cfg.Logger).WithComponent("orchestrator")
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		presence: presence.New(presence.StatusOffline, cfg.Logger),
		router:   mediarouter.New(cfg.Logger),
		store:    cfg.Store,
		metrics:  NewMetrics(cfg.Metrics),
		subs:     make(map[int]chan PhoneState),
	}
	o.fsm = newCallFSM(func(from, to CallStatus, event string) {
		o.logger.Debug(context.Background(), "call state transition",
			logging.String("from", string(from)), logging.String("to", string(to)), logging.String("event", event))
	})
	o.timer = calltimer.New(
		calltimer.WithTicker(cfg.TickerFactory),
		calltimer.WithOnTick(func(time.Duration) { o.publish() }),
	)

	conn, err := connection.New(connection.Config{
		Factory:  cfg.Factory,
		Presence: o.presence,
		OnEvent:  func(ev engine.Event) { o.Dispatch(FromEngineEvent(ev)) },
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	o.conn = conn

	o.history = history.NewLog(o.loadHistory(context.Background()))
	return o, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context) []history.Entry {
	entries, err := storage.LoadHistory(ctx, o.store)
	if err != nil {
		o.logger.LogError(ctx, errPersistence(storage.KeyHistory, err), "stored history ignored")
		return nil
	}
	return entries
}

// Dispatch обрабатывает событие. Безопасен для вызова из любых горутин.
func (o *Orchestrator) Dispatch(ev Event) {
	if ev.Kind < 0 || ev.Kind >= eventKindCount {
		o.logger.Warn(context.Background(), "unknown event dropped", logging.Int("kind", int(ev.Kind)))
		return
	}

	o.mu.Lock()
	actions := dispatchTable[ev.Kind](o, ev)
	o.mu.Unlock()

	for _, act := range actions {
		act()
	}
	if ev.Kind != EventSDP {
		o.publish()
	}
}

// current возвращает активный звонок, если событие относится к нему
func (o *Orchestrator) current(ev Event) *activeCall {
	if o.call == nil || o.call.id != ev.SessionID {
		if ev.SessionID != "" {
			o.logger.Debug(context.Background(), "event for inactive session ignored",
				logging.String("event", ev.Kind.String()), logging.String("session", ev.SessionID))
		}
		return nil
	}
	return o.call
}

func (o *Orchestrator) onConnected(Event) []func() {
	o.connected = true
	o.lastError = ""
	o.logger.Info(context.Background(), "transport connected")
	return nil
}

func (o *Orchestrator) onDisconnected(Event) []func() {
	o.connected = false
	o.registered = false
	o.logger.Warn(context.Background(), "transport disconnected")
	return nil
}

func (o *Orchestrator) onRegistered(Event) []func() {
	o.registered = true
	o.lastError = ""
	o.logger.Info(context.Background(), "registered")
	return nil
}

func (o *Orchestrator) onUnregistered(Event) []func() {
	o.registered = false
	o.logger.Info(context.Background(), "unregistered")
	return nil
}

func (o *Orchestrator) onRegistrationFailed(ev Event) []func() {
	o.registered = false
	o.lastError = msgRegistrationFailed + ev.Cause
	o.metrics.registrationFailed()
	o.logger.LogError(context.Background(), errRegistration(ev.Cause), "registration failed")
	return nil
}

// onNewSession принимает новую сессию. Входящая сессия при занятом операторе
// или уже идущем звонке отклоняется до любых изменений состояния.
func (o *Orchestrator) onNewSession(ev Event) []func() {
	s := ev.Session
	if s == nil {
		return nil
	}
	ctx := context.Background()

	direction := engine.DirectionOutgoing
	if ev.Originator == engine.OriginatorRemote {
		direction = engine.DirectionIncoming
	}

	if direction == engine.DirectionIncoming {
		if adm := o.presence.AdmitInbound(); !adm.Accept {
			o.metrics.busyRejected()
			o.logger.Info(ctx, "inbound call rejected, agent busy",
				logging.String("remote", s.RemoteUser()), logging.Int("code", adm.Code))
			return []func(){o.rejectAction(s, adm.Code, adm.Reason)}
		}
	}
	if o.call != nil {
		o.logger.Warn(ctx, "second session while a call is active",
			logging.String("active", o.call.id), logging.String("new", s.ID()), logging.String("direction", string(direction)))
		if direction == engine.DirectionIncoming {
			o.metrics.busyRejected()
			return []func(){o.rejectAction(s, presence.BusyCode, presence.BusyReason)}
		}
		return []func(){o.rejectAction(s, 0, "")}
	}

	corrID := uuid.NewString()
	call := &activeCall{
		session:   s,
		id:        s.ID(),
		ctx:       logging.WithCallID(context.Background(), corrID),
		direction: direction,
		remote:    s.RemoteUser(),
		startedAt: o.cfg.Now(),
	}
	dir := history.DirectionOutgoing
	event := fsmDial
	if direction == engine.DirectionIncoming {
		dir = history.DirectionIncoming
		event = fsmRing
	}
	call.draft = history.NewDraft(call.remote, dir, call.startedAt)

	if err := o.fsm.fire(call.ctx, event); err != nil {
		o.logger.LogError(call.ctx, err, "call state machine rejected new session")
		return []func(){o.rejectAction(s, 0, "")}
	}
	o.call = call
	o.metrics.callStarted()
	o.logger.Info(call.ctx, "new session",
		logging.String("session", call.id),
		logging.String("direction", string(direction)),
		logging.String("remote", call.remote))

	sessionID := call.id
	return []func(){func() {
		s.OnEvent(func(se engine.SessionEvent) {
			o.Dispatch(FromSessionEvent(sessionID, se))
		})
		// peer connection может уже существовать к моменту создания сессии
		if pc := s.PeerConnection(); pc != nil {
			o.Dispatch(Event{Kind: EventPeerConnection, SessionID: sessionID, PeerConnection: pc})
		}
	}}
}

func (o *Orchestrator) rejectAction(s engine.Session, code int, reason string) func() {
	return func() {
		if err := s.Terminate(context.Background(), code, reason); err != nil {
			o.logger.Warn(context.Background(), "reject failed", logging.String("session", s.ID()), logging.Err(err))
		}
	}
}

func (o *Orchestrator) onPeerConnection(ev Event) []func() {
	call := o.current(ev)
	if call == nil || ev.PeerConnection == nil {
		return nil
	}
	call.pcID = ev.PeerConnection.HandleID()
	pc, sessionID := ev.PeerConnection, call.id
	return []func(){func() {
		wired := o.router.Wire(pc, func(stream mediarouter.Stream) {
			o.Dispatch(Event{Kind: EventRemoteStream, SessionID: sessionID, Stream: &stream})
		})
		if !wired {
			o.logger.Debug(call.ctx, "peer connection already wired", logging.String("pc", pc.HandleID()))
		}
	}}
}

// onSDP переставляет кодеки в локальном предложении до его отправки
func (o *Orchestrator) onSDP(ev Event) []func() {
	if ev.SDP == nil || ev.SDP.Originator != engine.OriginatorLocal || ev.SDP.Type != "offer" {
		return nil
	}
	before := ev.SDP.Body
	ev.SDP.Body = codecpref.Normalize(before)
	if before != ev.SDP.Body {
		o.logger.Debug(context.Background(), "offer codecs reordered", logging.String("session", ev.SessionID))
	}
	return nil
}

func (o *Orchestrator) onProgress(ev Event) []func() {
	call := o.current(ev)
	if call == nil || call.direction != engine.DirectionOutgoing {
		return nil
	}
	if !o.fsm.can(fsmProgress) {
		return nil
	}
	if err := o.fsm.fire(call.ctx, fsmProgress); err != nil {
		o.logger.Warn(call.ctx, "progress ignored", logging.Err(err))
	}
	return nil
}

func (o *Orchestrator) onConfirmed(ev Event) []func() {
	call := o.current(ev)
	if call == nil {
		return nil
	}
	if err := o.fsm.fire(call.ctx, fsmConfirm); err != nil {
		o.logger.Warn(call.ctx, "confirm ignored", logging.String("state", string(o.fsm.current())), logging.Err(err))
		return nil
	}
	call.draft.Status = history.StatusConnected
	call.connectedAt = o.cfg.Now()
	o.timer.Start()
	o.logger.Info(call.ctx, "call confirmed", logging.String("remote", call.remote))
	return nil
}

func (o *Orchestrator) onEnded(ev Event) []func() {
	call := o.current(ev)
	if call == nil {
		return nil
	}
	o.logger.Info(call.ctx, "call ended", logging.String("cause", ev.Cause))
	return o.finish(call, call.draft.Finalize(), fsmEnd)
}

func (o *Orchestrator) onFailed(ev Event) []func() {
	call := o.current(ev)
	if call == nil {
		return nil
	}
	o.lastError = msgCallFailed + ev.Cause
	o.logger.Warn(call.ctx, "call failed", logging.String("cause", ev.Cause))
	entry := call.draft
	entry.Status = history.StatusFailed
	return o.finish(call, entry, fsmFail)
}

// finish записывает итог в журнал и сбрасывает состояние сессии
func (o *Orchestrator) finish(call *activeCall, entry history.Entry, event string) []func() {
	var connected time.Duration
	if !call.connectedAt.IsZero() {
		connected = o.cfg.Now().Sub(call.connectedAt)
	}
	o.history.Append(entry)
	o.metrics.callFinished(string(entry.Direction), string(entry.Status), connected)

	if err := o.fsm.fire(call.ctx, event); err != nil {
		o.logger.Warn(call.ctx, "state machine finish failed", logging.Err(err))
	}
	o.resetLocked()

	return []func(){func() { o.saveHistory(call.ctx) }}
}

// resetLocked сбрасывает состояние сессии. Таймер останавливается всегда,
// монитор уровня закрывается, дескриптор peer connection забывается.
func (o *Orchestrator) resetLocked() {
	o.timer.Reset()
	call := o.call
	o.call = nil
	if call == nil {
		return
	}
	call.monitor.Close()
	call.monitor = nil
	if call.pcID != "" {
		o.router.Release(call.pcID)
	}
	if o.fsm.current() != CallIdle {
		_ = o.fsm.fire(call.ctx, fsmReset)
	}
}

// saveHistory сохраняет журнал, каким он стал к моменту записи
func (o *Orchestrator) saveHistory(ctx context.Context) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if err := storage.SaveHistory(ctx, o.store, o.history.Entries()); err != nil {
		o.logger.LogError(ctx, err, "history save failed")
	}
}

func (o *Orchestrator) onRemoteStream(ev Event) []func() {
	call := o.current(ev)
	if call == nil || ev.Stream == nil {
		return nil
	}
	call.stream = ev.Stream
	o.logger.Info(call.ctx, "remote stream attached",
		logging.String("stream", ev.Stream.ID), logging.Bool("synthesized", ev.Stream.Synthesized))
	if o.cfg.MonitorDisabled || call.monitor != nil {
		return nil
	}
	track, sessionID, ctx := ev.Stream.AudioTrack(), call.id, call.ctx
	return []func(){func() { o.attachMonitor(ctx, sessionID, track) }}
}

// attachMonitor захватывает монитор уровня. Ошибка только логируется,
// звонок продолжается без измерения.
func (o *Orchestrator) attachMonitor(ctx context.Context, sessionID string, track mediarouter.RemoteTrack) {
	var src interface{}
	if track != nil {
		src = track
	}
	mon, err := audiomon.Acquire(ctx, src, audiomon.Config{
		Window: o.cfg.MonitorWindow,
		OnLevel: func(level float64) {
			o.Dispatch(Event{Kind: EventAudioLevel, SessionID: sessionID, Level: level})
		},
		Logger: o.cfg.Logger,
	})
	if err != nil {
		o.logger.LogError(ctx, errMediaMonitor(err).WithCallID(sessionID), "audio monitor unavailable")
		return
	}

	o.mu.Lock()
	call := o.call
	keep := call != nil && call.id == sessionID && call.monitor == nil
	if keep {
		call.monitor = mon
	}
	o.mu.Unlock()

	if !keep {
		mon.Close()
	}
}

func (o *Orchestrator) onAudioLevel(ev Event) []func() {
	call := o.current(ev)
	if call == nil {
		return nil
	}
	call.level = ev.Level
	return nil
}
