// Package engine описывает контракты сигнального движка и звонковой сессии.
//
// Оркестратор работает только через эти интерфейсы. Конкретная реализация
// поверх sipgo находится в пакете sipua, в тестах используются фейки.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/webphone/pkg/logging"
)

var (
	// ErrInvalidCredentials не заполнены обязательные поля учетных данных
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotConnected движок не подключен к транспорту
	ErrNotConnected = errors.New("engine not connected")
)

// Credentials учетные данные SIP аккаунта
type Credentials struct {
	User      string `json:"user"`
	Password  string `json:"password"`
	Domain    string `json:"domain"`
	SocketURL string `json:"socketUrl"`
}

// Identity ключ переиспользования движка
type Identity struct {
	User      string
	Domain    string
	SocketURL string
}

// Identity возвращает ключ из учетных данных
func (c Credentials) Identity() Identity {
	return Identity{User: c.User, Domain: c.Domain, SocketURL: c.SocketURL}
}

// Validate проверяет, что все поля заполнены
func (c Credentials) Validate() error {
	var missing []string
	if c.User == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.Domain == "" {
		missing = append(missing, "domain")
	}
	if c.SocketURL == "" {
		missing = append(missing, "socketUrl")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// AOR адрес записи вида sip:user@domain
func (c Credentials) AOR() string {
	return "sip:" + c.User + "@" + c.Domain
}

// ICEServer описание STUN/TURN сервера
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// EventKind тип события движка
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRegistered
	EventUnregistered
	EventRegistrationFailed
	EventNewSession
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	case EventRegistrationFailed:
		return "registrationFailed"
	case EventNewSession:
		return "newSession"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Originator сторона, инициировавшая сессию или SDP
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// Event событие движка
type Event struct {
	Kind       EventKind
	Cause      string
	Originator Originator
	Session    Session
}

// Engine сигнальный движок
type Engine interface {
	// Start подключает транспорт и запускает регистрацию
	Start(ctx context.Context) error
	// Stop останавливает движок. Ошибки остановки не критичны.
	Stop(ctx context.Context) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	IsRegistered() bool
	IsConnected() bool
	Identity() Identity
	// Call начинает исходящий звонок на полный SIP URI. Событие
	// EventNewSession доставляется до отправки предложения.
	Call(ctx context.Context, target string, opts MediaOptions) (Session, error)
}

// Config параметры создания движка
type Config struct {
	Credentials Credentials
	ICEServers  []ICEServer
	// OnEvent получает все события движка
	OnEvent func(Event)
	Logger  logging.StructuredLogger
}

// Factory создает движок
type Factory func(cfg Config) (Engine, error)
