// Package enginetest содержит управляемые фейки движка и сессии для тестов.
package enginetest

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/mediarouter"
)

// Engine фейковый движок. События отправляются синхронно в cfg.OnEvent.
type Engine struct {
	mu  sync.Mutex
	cfg engine.Config

	connected  bool
	registered bool

	// AutoRegister Start сразу генерирует registered
	AutoRegister bool
	StartErr     error
	StopErr      error
	RegisterErr  error
	CallErr      error

	Starts      int
	Stops       int
	Registers   int
	Unregisters int
	Calls       []string
	CallOpts    []engine.MediaOptions

	nextID int
}

// Factory создает фейковые движки и запоминает их
type Factory struct {
	mu      sync.Mutex
	Engines []*Engine
	// Configure вызывается для каждого нового движка до возврата
	Configure func(*Engine)
	Err       error
}

// New реализует engine.Factory
func (f *Factory) New(cfg engine.Config) (engine.Engine, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	e := &Engine{cfg: cfg, AutoRegister: true}
	if f.Configure != nil {
		f.Configure(e)
	}
	f.mu.Lock()
	f.Engines = append(f.Engines, e)
	f.mu.Unlock()
	return e, nil
}

// Count число созданных движков
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Engines)
}

// Last последний созданный движок
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Engines) == 0 {
		return nil
	}
	return f.Engines[len(f.Engines)-1]
}

// Config конфигурация, с которой создан движок
func (e *Engine) Config() engine.Config { return e.cfg }

// Emit отправляет событие движка
func (e *Engine) Emit(ev engine.Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	e.Starts++
	if e.StartErr != nil {
		e.mu.Unlock()
		return e.StartErr
	}
	e.connected = true
	auto := e.AutoRegister
	if auto {
		e.registered = true
	}
	e.mu.Unlock()

	e.Emit(engine.Event{Kind: engine.EventConnected})
	if auto {
		e.Emit(engine.Event{Kind: engine.EventRegistered})
	}
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	e.Stops++
	e.connected = false
	e.registered = false
	err := e.StopErr
	e.mu.Unlock()
	return err
}

func (e *Engine) Register(context.Context) error {
	e.mu.Lock()
	e.Registers++
	if e.RegisterErr != nil {
		err := e.RegisterErr
		e.mu.Unlock()
		e.Emit(engine.Event{Kind: engine.EventRegistrationFailed, Cause: err.Error()})
		return err
	}
	e.registered = true
	e.mu.Unlock()
	e.Emit(engine.Event{Kind: engine.EventRegistered})
	return nil
}

func (e *Engine) Unregister(context.Context) error {
	e.mu.Lock()
	e.Unregisters++
	e.registered = false
	e.mu.Unlock()
	e.Emit(engine.Event{Kind: engine.EventUnregistered})
	return nil
}

func (e *Engine) IsRegistered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// SetConnected меняет флаг подключения без событий
func (e *Engine) SetConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// SetRegistered меняет флаг регистрации без событий
func (e *Engine) SetRegistered(v bool) {
	e.mu.Lock()
	e.registered = v
	e.mu.Unlock()
}

func (e *Engine) Identity() engine.Identity { return e.cfg.Credentials.Identity() }

// Call создает исходящую сессию и генерирует newSession до возврата
func (e *Engine) Call(_ context.Context, target string, opts engine.MediaOptions) (engine.Session, error) {
	e.mu.Lock()
	if e.CallErr != nil {
		err := e.CallErr
		e.mu.Unlock()
		return nil, err
	}
	e.Calls = append(e.Calls, target)
	e.CallOpts = append(e.CallOpts, opts)
	e.nextID++
	id := "out-" + strconv.Itoa(e.nextID)
	e.mu.Unlock()

	user := strings.TrimPrefix(target, "sip:")
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	s := NewSession(id, engine.DirectionOutgoing, user)
	e.Emit(engine.Event{Kind: engine.EventNewSession, Originator: engine.OriginatorLocal, Session: s})
	return s, nil
}

// Incoming генерирует входящую сессию
func (e *Engine) Incoming(s *Session) {
	e.Emit(engine.Event{Kind: engine.EventNewSession, Originator: engine.OriginatorRemote, Session: s})
}

// Termination параметры вызова Terminate
type Termination struct {
	Code   int
	Reason string
}

// Session фейковая сессия
type Session struct {
	mu        sync.Mutex
	id        string
	direction engine.Direction
	remote    string
	pc        mediarouter.PeerConnection
	handler   func(engine.SessionEvent)

	muted  bool
	onHold bool

	Answers      []engine.MediaOptions
	Terminations []Termination
	DTMF         []string
	Refers       []string
	HoldErr      error

	// OnAnswer вызывается из Answer без блокировки, его ошибка возвращается
	OnAnswer func(*Session) error
}

// NewSession создает сессию
func NewSession(id string, dir engine.Direction, remote string) *Session {
	return &Session{id: id, direction: dir, remote: remote}
}

// WithPeer задает peer connection, доступный сразу
func (s *Session) WithPeer(pc mediarouter.PeerConnection) *Session {
	s.pc = pc
	return s
}

// Emit отправляет событие сессии текущему обработчику
func (s *Session) Emit(ev engine.SessionEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// HasHandler установлен ли обработчик событий
func (s *Session) HasHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Direction() engine.Direction { return s.direction }
func (s *Session) RemoteUser() string          { return s.remote }

func (s *Session) PeerConnection() mediarouter.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *Session) OnEvent(fn func(engine.SessionEvent)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Session) Answer(_ context.Context, opts engine.MediaOptions) error {
	s.mu.Lock()
	s.Answers = append(s.Answers, opts)
	hook := s.OnAnswer
	s.mu.Unlock()
	if hook != nil {
		return hook(s)
	}
	return nil
}

func (s *Session) Terminate(_ context.Context, code int, reason string) error {
	s.mu.Lock()
	s.Terminations = append(s.Terminations, Termination{Code: code, Reason: reason})
	s.mu.Unlock()
	return nil
}

func (s *Session) Mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
}

func (s *Session) Unmute() {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Hold(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HoldErr != nil {
		return s.HoldErr
	}
	s.onHold = true
	return nil
}

func (s *Session) Unhold(context.Context) error {
	s.mu.Lock()
	s.onHold = false
	s.mu.Unlock()
	return nil
}

func (s *Session) IsOnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onHold
}

func (s *Session) SendDTMF(_ context.Context, tone string) error {
	s.mu.Lock()
	s.DTMF = append(s.DTMF, tone)
	s.mu.Unlock()
	return nil
}

func (s *Session) Refer(_ context.Context, target string) error {
	s.mu.Lock()
	s.Refers = append(s.Refers, target)
	s.mu.Unlock()
	return nil
}
