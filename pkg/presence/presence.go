// Package presence управляет доступностью оператора.
//
// Статус превращается в действие регистрации (offline снимает регистрацию,
// online и busy регистрируют) и в политику приема входящих звонков.
package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/webphone/pkg/logging"
)

// Status доступность оператора
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
)

// ParseStatus разбирает строковый статус
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOffline, StatusOnline, StatusBusy:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Код и фраза отказа для занятого оператора
const (
	BusyCode   = 486
	BusyReason = "Busy Here"
)

// Registrar часть движка, отвечающая за регистрацию
type Registrar interface {
	IsRegistered() bool
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
}

// Admission решение о приеме входящего звонка
type Admission struct {
	Accept bool
	Code   int
	Reason string
}

// Controller хранит статус оператора
type Controller struct {
	mu     sync.RWMutex
	status Status
	logger logging.StructuredLogger
}

// New создает контроллер в статусе initial
func New(initial Status, logger logging.StructuredLogger) *Controller {
	if initial == "" {
		initial = StatusOffline
	}
	return &Controller{
		status: initial,
		logger: logging.OrNop(logger).WithComponent("presence"),
	}
}

// Status текущий статус
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus меняет статус. Если reg не nil, выполняет нужное действие
// регистрации: offline снимает регистрацию, online и busy регистрируют.
// Статус меняется даже при ошибке регистрации.
func (c *Controller) SetStatus(ctx context.Context, status Status, reg Registrar) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.status
	c.status = status
	c.mu.Unlock()

	c.logger.Info(ctx, "agent status changed", logging.String("from", string(prev)), logging.String("to", string(status)))

	if reg == nil {
		return nil
	}
	switch status {
	case StatusOffline:
		if reg.IsRegistered() {
			return reg.Unregister(ctx)
		}
	default:
		if !reg.IsRegistered() {
			return reg.Register(ctx)
		}
	}
	return nil
}

// ForceOffline переводит оператора в offline без действий регистрации
func (c *Controller) ForceOffline() {
	c.mu.Lock()
	c.status = StatusOffline
	c.mu.Unlock()
}

// AdmitInbound решает, принимать ли входящий звонок.
// busy всегда отклоняет с 486, остальные статусы принимают.
func (c *Controller) AdmitInbound() Admission {
	if c.Status() == StatusBusy {
		return Admission{Accept: false, Code: BusyCode, Reason: BusyReason}
	}
	return Admission{Accept: true}
}
