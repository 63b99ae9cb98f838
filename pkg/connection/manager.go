// Package connection владеет экземпляром сигнального движка.
//
// Manager создает движок, переиспользует его при совпадении идентичности
// и пересоздает при ее смене. События старых экземпляров отбрасываются.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/presence"
)

// ErrNoFactory в конфигурации не задана фабрика движка
var ErrNoFactory = errors.New("connection: engine factory is required")

// Config конфигурация менеджера
type Config struct {
	Factory  engine.Factory
	Presence *presence.Controller
	// OnEvent получает события только текущего движка
	OnEvent func(engine.Event)
	Logger  logging.StructuredLogger
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Factory == nil {
		return ErrNoFactory
	}
	return nil
}

// Result итог Connect
type Result struct {
	// Reused движок переиспользован без пересоздания
	Reused bool
	// Stopped старый движок был остановлен
	Stopped bool
}

// Manager управляет жизненным циклом движка
type Manager struct {
	cfg    Config
	logger logging.StructuredLogger

	mu  sync.Mutex
	eng engine.Engine
	gen uint64
}

// New создает менеджер
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).WithComponent("connection"),
	}, nil
}

// Connect гарантирует подключенный движок с учетными данными creds.
//
// Если текущий движок привязан к точно той же идентичности (user, domain,
// socketUrl) и подключен, он переиспользуется: отправляется только REGISTER,
// если регистрации нет. Иначе старый движок останавливается (ошибка
// остановки только логируется) и создается новый.
func (m *Manager) Connect(ctx context.Context, creds engine.Credentials, ice []engine.ICEServer) (Result, error) {
	if err := creds.Validate(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	current := m.eng
	m.mu.Unlock()

	if current != nil && current.Identity() == creds.Identity() && current.IsConnected() {
		m.logger.Info(ctx, "reusing signaling engine", logging.String("user", creds.User), logging.String("domain", creds.Domain))
		if !current.IsRegistered() {
			if err := current.Register(ctx); err != nil {
				return Result{Reused: true}, fmt.Errorf("register: %w", err)
			}
		}
		return Result{Reused: true}, nil
	}

	m.mu.Lock()
	old := m.eng
	m.eng = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	res := Result{}
	if old != nil {
		m.stopQuietly(ctx, old)
		res.Stopped = true
	}

	eng, err := m.cfg.Factory(engine.Config{
		Credentials: creds,
		ICEServers:  ice,
		OnEvent:     func(ev engine.Event) { m.forward(gen, ev) },
		Logger:      m.cfg.Logger,
	})
	if err != nil {
		return res, fmt.Errorf("create engine: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// параллельный Connect или Disconnect успел раньше
		m.mu.Unlock()
		m.stopQuietly(ctx, eng)
		return res, errors.New("connection: superseded by a concurrent call")
	}
	m.eng = eng
	m.mu.Unlock()

	m.logger.Info(ctx, "starting signaling engine",
		logging.String("user", creds.User),
		logging.String("domain", creds.Domain),
		logging.String("socket_url", creds.SocketURL))

	if err := eng.Start(ctx); err != nil {
		m.mu.Lock()
		if m.eng == eng {
			m.eng = nil
			m.gen++
		}
		m.mu.Unlock()
		m.stopQuietly(ctx, eng)
		return res, fmt.Errorf("start engine: %w", err)
	}
	return res, nil
}

// Disconnect останавливает и забывает движок, оператор переходит в offline
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	eng := m.eng
	m.eng = nil
	m.gen++
	m.mu.Unlock()

	if eng != nil {
		m.stopQuietly(ctx, eng)
	}
	if m.cfg.Presence != nil {
		m.cfg.Presence.ForceOffline()
	}
}

// Engine текущий движок или nil
func (m *Manager) Engine() engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng
}

// Registrar текущий движок как Registrar или nil, если движка нет
func (m *Manager) Registrar() presence.Registrar {
	eng := m.Engine()
	if eng == nil {
		return nil
	}
	return eng
}

// IsConnected подключен ли текущий движок
func (m *Manager) IsConnected() bool {
	eng := m.Engine()
	return eng != nil && eng.IsConnected()
}

// IsRegistered зарегистрирован ли текущий движок
func (m *Manager) IsRegistered() bool {
	eng := m.Engine()
	return eng != nil && eng.IsRegistered()
}

func (m *Manager) forward(gen uint64, ev engine.Event) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		m.logger.Debug(context.Background(), "dropping event from stale engine", logging.String("event", ev.Kind.String()))
		return
	}
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}

func (m *Manager) stopQuietly(ctx context.Context, eng engine.Engine) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn(ctx, "engine stop panicked", logging.Any("panic", r))
		}
	}()
	if err := eng.Stop(ctx); err != nil {
		m.logger.Warn(ctx, "engine stop failed", logging.Err(err))
	}
}
