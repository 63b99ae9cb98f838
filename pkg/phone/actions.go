package phone

import (
	"context"
	"errors"
	"strings"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/presence"
	"github.com/arzzra/webphone/pkg/storage"
)

// TargetURI строит SIP URI вызова: sip:<target>@<domain>.
// Цель, уже содержащая схему sip: или sips:, возвращается как есть.
func TargetURI(target, domain string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	return "sip:" + target + "@" + domain
}

// Login подключает движок с новыми учетными данными и сохраняет их
func (o *Orchestrator) Login(ctx context.Context, creds engine.Credentials, ice []engine.ICEServer) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if ice == nil {
		ice = []engine.ICEServer{}
	}

	o.mu.Lock()
	o.creds = creds
	o.ice = ice
	o.mu.Unlock()

	o.logger.Info(ctx, "logging in",
		logging.String("user", creds.User),
		logging.String("domain", creds.Domain),
		logging.String("socket_url", creds.SocketURL),
		logging.Int("ice_servers", len(ice)))

	res, err := o.conn.Connect(ctx, creds, ice)
	if !res.Reused && err == nil {
		o.metrics.engineRestarted()
	}
	if err != nil {
		perr := errConnectivity(err)
		o.mu.Lock()
		if !o.conn.IsConnected() {
			o.connected = false
			o.registered = false
		}
		o.mu.Unlock()
		o.logger.LogError(ctx, perr, "login failed")
		o.publish()
		return perr
	}

	if err := storage.SaveCredentials(ctx, o.store, storage.NewCredentialsRecord(creds, ice)); err != nil {
		o.logger.LogError(ctx, errPersistence(storage.KeyCredentials, err), "credentials not saved")
	}
	o.publish()
	return nil
}

// TryAutoLogin выполняет вход по сохраненным учетным данным.
// Отсутствующие или поврежденные данные пропускаются без ошибки.
func (o *Orchestrator) TryAutoLogin(ctx context.Context) (bool, error) {
	rec, err := storage.LoadCredentials(ctx, o.store)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		o.logger.LogError(ctx, errPersistence(storage.KeyCredentials, err), "stored credentials ignored")
		return false, nil
	}
	o.logger.Info(ctx, "auto login from stored credentials", logging.String("user", rec.User))
	if err := o.Login(ctx, rec.Credentials(), rec.ICEServers); err != nil {
		return false, err
	}
	return true, nil
}

// Logout останавливает движок, забывает учетные данные и сбрасывает звонок.
// Активный звонок записывается в журнал как завершенный.
func (o *Orchestrator) Logout(ctx context.Context) {
	o.logger.Info(ctx, "logging out")

	o.mu.Lock()
	var actions []func()
	if call := o.call; call != nil {
		session := call.session
		actions = o.finish(call, call.draft.Finalize(), fsmEnd)
		actions = append(actions, func() {
			if err := session.Terminate(ctx, 0, ""); err != nil {
				o.logger.Debug(ctx, "terminate on logout failed", logging.Err(err))
			}
		})
	}
	o.resetLocked()
	o.connected = false
	o.registered = false
	o.mu.Unlock()

	for _, act := range actions {
		act()
	}

	o.conn.Disconnect(ctx)
	if err := storage.DeleteCredentials(ctx, o.store); err != nil {
		o.logger.LogError(ctx, errPersistence(storage.KeyCredentials, err), "stored credentials not removed")
	}
	o.publish()
}

// Call начинает исходящий звонок на target
func (o *Orchestrator) Call(ctx context.Context, target string) error {
	o.mu.Lock()
	eng := o.conn.Engine()
	if eng == nil || !o.registered {
		o.lastError = msgNotRegistered
		o.mu.Unlock()
		o.logger.Warn(ctx, "call aborted, not registered", logging.String("target", target))
		o.publish()
		return ErrNotRegistered
	}
	if o.call != nil {
		o.mu.Unlock()
		return ErrCallInProgress
	}
	uri := TargetURI(target, o.creds.Domain)
	opts := engine.MediaOptions{Audio: true, ICEServers: o.ice}
	o.mu.Unlock()

	o.logger.Info(ctx, "dialing", logging.String("uri", uri))
	s, err := eng.Call(ctx, uri, opts)
	if err != nil {
		o.setupFailed(ctx, sessionID(s), "call", err)
		return errCallSetup("call", err)
	}
	return nil
}

func sessionID(s engine.Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}

// setupFailed обрабатывает ошибку построения предложения или ответа как
// событие failed, чтобы звонок прошел обычную очистку
func (o *Orchestrator) setupFailed(ctx context.Context, id, op string, err error) {
	o.logger.LogError(ctx, errCallSetup(op, err).WithCallID(id), "call setup failed")

	o.mu.Lock()
	if id == "" && o.call != nil && o.call.direction == engine.DirectionOutgoing && o.fsm.current() == CallCalling {
		id = o.call.id
	}
	active := o.call != nil && o.call.id == id
	if !active {
		o.lastError = msgCallFailed + err.Error()
	}
	o.mu.Unlock()

	if active {
		o.Dispatch(Event{Kind: EventFailed, SessionID: id, Cause: err.Error()})
	} else {
		o.publish()
	}
}

// isActive относится ли id к текущему звонку
func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.call != nil && o.call.id == id
}

// activeSession возвращает сессию текущего звонка
func (o *Orchestrator) activeSession() (engine.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil {
		return nil, ErrNoActiveCall
	}
	return o.call.session, nil
}

// Answer отвечает на входящий звонок
func (o *Orchestrator) Answer(ctx context.Context) error {
	o.mu.Lock()
	call := o.call
	if call == nil {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	if call.direction != engine.DirectionIncoming || o.fsm.current() != CallIncoming {
		o.mu.Unlock()
		return ErrNotIncoming
	}
	s, id := call.session, call.id
	opts := engine.MediaOptions{Audio: true, ICEServers: o.ice}
	o.mu.Unlock()

	o.logger.Info(call.ctx, "answering")
	if err := s.Answer(ctx, opts); err != nil {
		if !o.isActive(id) {
			// сессия уже завершена своим событием failed
			o.logger.Debug(ctx, "answer failed after session end", logging.Err(err))
			return errCallSetup("answer", err)
		}
		if terr := s.Terminate(ctx, 0, ""); terr != nil {
			o.logger.Debug(ctx, "terminate after answer failure", logging.Err(terr))
		}
		o.setupFailed(ctx, id, "answer", err)
		return errCallSetup("answer", err)
	}
	return nil
}

// Hangup запрашивает завершение звонка. Состояние сбрасывается по событию
// ended или failed от сессии.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	s, err := o.activeSession()
	if err != nil {
		return err
	}
	return s.Terminate(ctx, 0, "")
}

// Mute переключает отключение микрофона
func (o *Orchestrator) Mute(ctx context.Context) error {
	s, err := o.activeSession()
	if err != nil {
		return err
	}
	if s.IsMuted() {
		s.Unmute()
	} else {
		s.Mute()
	}
	muted := s.IsMuted()

	o.mu.Lock()
	if o.call != nil && o.call.session == s {
		o.call.muted = muted
	}
	o.mu.Unlock()
	o.logger.Debug(ctx, "mute toggled", logging.Bool("muted", muted))
	o.publish()
	return nil
}

// Hold переключает удержание
func (o *Orchestrator) Hold(ctx context.Context) error {
	s, err := o.activeSession()
	if err != nil {
		return err
	}
	if s.IsOnHold() {
		err = s.Unhold(ctx)
	} else {
		err = s.Hold(ctx)
	}
	held := s.IsOnHold()

	o.mu.Lock()
	if o.call != nil && o.call.session == s {
		o.call.onHold = held
	}
	o.mu.Unlock()
	o.publish()
	return err
}

// SendDTMF отправляет тоны в активный звонок
func (o *Orchestrator) SendDTMF(ctx context.Context, tone string) error {
	s, err := o.activeSession()
	if err != nil {
		return err
	}
	return s.SendDTMF(ctx, tone)
}

// Transfer переводит звонок на target через REFER
func (o *Orchestrator) Transfer(ctx context.Context, target string) error {
	s, err := o.activeSession()
	if err != nil {
		return err
	}
	o.mu.Lock()
	uri := TargetURI(target, o.creds.Domain)
	o.mu.Unlock()

	o.logger.Info(ctx, "transferring", logging.String("target", uri))
	return s.Refer(ctx, uri)
}

// SetAgentStatus меняет доступность оператора и регистрацию
func (o *Orchestrator) SetAgentStatus(ctx context.Context, status presence.Status) error {
	err := o.presence.SetStatus(ctx, status, o.conn.Registrar())
	o.publish()
	return err
}

// AgentStatus текущая доступность оператора
func (o *Orchestrator) AgentStatus() presence.Status {
	return o.presence.Status()
}

// History записи журнала, новые первыми
func (o *Orchestrator) History() []history.Entry {
	return o.history.Entries()
}

// ClearHistory очищает журнал и удаляет его из хранилища
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	o.persistMu.Lock()
	o.history.Clear()
	err := o.store.Delete(ctx, storage.KeyHistory)
	o.persistMu.Unlock()
	if err != nil {
		return errPersistence(storage.KeyHistory, err)
	}
	o.publish()
	return nil
}

// Close останавливает движок без удаления сохраненных данных
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	o.resetLocked()
	o.mu.Unlock()
	o.conn.Disconnect(ctx)

	o.subMu.Lock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.subMu.Unlock()
}
