// Package sipua реализует сигнальный движок поверх sipgo и pion/webrtc.
//
// Движок подключается к серверу сигнализации по WebSocket, регистрирует
// аккаунт с дайджест авторизацией и ведет звонковые сессии. Медиа каждой
// сессии идет через собственный pion peer connection.
package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/logging"
)

// Options параметры движка, не зависящие от аккаунта
type Options struct {
	UserAgent string

	// RegisterExpires срок регистрации. Обновление выполняется на 90% срока.
	RegisterExpires time.Duration

	// KeepAliveInterval период OPTIONS запросов для проверки транспорта
	KeepAliveInterval time.Duration

	// RequestTimeout ожидание финального ответа на запрос вне INVITE
	RequestTimeout time.Duration

	DTMFMode DTMFMode

	InsecureSkipVerify bool
}

// DefaultOptions значения по умолчанию
func DefaultOptions() Options {
	return Options{
		UserAgent:         "webphone",
		RegisterExpires:   600 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		RequestTimeout:    10 * time.Second,
		DTMFMode:          DTMFInfo,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.RegisterExpires <= 0 {
		o.RegisterExpires = def.RegisterExpires
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = def.KeepAliveInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.DTMFMode == "" {
		o.DTMFMode = def.DTMFMode
	}
	return o
}

// Engine SIP движок одного аккаунта
type Engine struct {
	cfg      engine.Config
	opts     Options
	endpoint Endpoint
	logger   logging.StructuredLogger
	aor      sip.Uri
	contact  sip.Uri

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache

	mu         sync.Mutex
	started    bool
	stopped    bool
	connected  bool
	registered bool
	regCallID  string
	regTag     string
	regSeq     uint32
	regTimer   *time.Timer
	cancel     context.CancelFunc
	sessions   map[string]*Session
}

var _ engine.Engine = (*Engine)(nil)

// NewFactory возвращает фабрику движков с общими параметрами
func NewFactory(opts Options) engine.Factory {
	return func(cfg engine.Config) (engine.Engine, error) {
		return New(cfg, opts)
	}
}

// New создает остановленный движок
func New(cfg engine.Config, opts Options) (*Engine, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	ep, err := ParseSocketURL(cfg.Credentials.SocketURL)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	creds := cfg.Credentials
	logger := logging.OrNop(cfg.Logger).WithComponent("sipua").WithFields(
		logging.String("user", creds.User), logging.String("domain", creds.Domain))
	e := &Engine{
		cfg:       cfg,
		opts:      opts,
		endpoint:  ep,
		logger:    logger,
		aor:       sip.Uri{Scheme: "sip", User: creds.User, Host: creds.Domain},
		regCallID: sip.GenerateTagN(16) + "@" + creds.Domain,
		regTag:    sip.GenerateTagN(16),
		sessions:  make(map[string]*Session),
	}
	// Contact с несуществующим хостом: ответы идут по тому же WebSocket
	e.contact = sip.Uri{
		Scheme:    "sip",
		User:      creds.User,
		Host:      strings.ToLower(sip.GenerateTagN(12)) + ".invalid",
		UriParams: sip.NewParams().Add("transport", "ws"),
	}
	return e, nil
}

// Identity ключ переиспользования движка
func (e *Engine) Identity() engine.Identity { return e.cfg.Credentials.Identity() }

func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) IsRegistered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

func (e *Engine) emit(ev engine.Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}

// Start подключает транспорт, проверяет его запросом OPTIONS и регистрирует
// аккаунт. Ошибка регистрации приходит событием, а не ошибкой Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.opts.UserAgent),
		sipgo.WithUserAgentHostname(e.contact.Host),
		sipgo.WithUserAgenTLSConfig(&tls.Config{
			ServerName:         e.endpoint.Host,
			InsecureSkipVerify: e.opts.InsecureSkipVerify, //nolint:gosec
		}),
	)
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.contact.Host))
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create server: %w", err)
	}
	e.attach(ua, client, server)

	e.logger.Info(ctx, "connecting",
		logging.String("transport", e.endpoint.Transport), logging.String("addr", e.endpoint.Addr()))
	if err := e.ping(ctx); err != nil {
		e.closeTransport()
		return fmt.Errorf("%w: %v", engine.ErrNotConnected, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.connected = true
	e.cancel = cancel
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventConnected})

	go e.keepAlive(runCtx)

	if err := e.Register(ctx); err != nil {
		e.logger.Warn(ctx, "initial registration failed", logging.Err(err))
	}
	return nil
}

// Stop снимает регистрацию, завершает сессии и закрывает транспорт
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	registered := e.registered
	if e.regTimer != nil {
		e.regTimer.Stop()
	}
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		if err := s.Terminate(ctx, 0, ""); err != nil {
			e.logger.Debug(ctx, "terminate on stop failed", logging.String("session", s.ID()), logging.Err(err))
		}
	}
	var err error
	if registered {
		err = e.sendRegister(ctx, 0)
	}

	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.registered = false
	e.mu.Unlock()

	e.closeTransport()
	if wasConnected {
		e.emit(engine.Event{Kind: engine.EventDisconnected})
	}
	e.logger.Info(ctx, "stopped")
	return err
}

func (e *Engine) closeTransport() {
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.server != nil {
		_ = e.server.Close()
	}
	if e.ua != nil {
		_ = e.ua.Close()
	}
}

// attach подключает транспорт sipgo и кэши диалогов с общим Contact.
// Без server входящие запросы не обрабатываются, так движок собирают тесты.
func (e *Engine) attach(ua *sipgo.UserAgent, client *sipgo.Client, server *sipgo.Server) {
	e.ua, e.client, e.server = ua, client, server
	contact := sip.ContactHeader{Address: e.contact}
	e.dialogCli = sipgo.NewDialogClientCache(client, contact)
	e.dialogSrv = sipgo.NewDialogServerCache(client, contact)
	if server != nil {
		e.registerHandlers()
	}
}

// outboundRoute предзагруженный маршрут через сервер сигнализации.
// По нему sipgo направляет ACK, CANCEL и BYE диалога в тот же WebSocket.
func (e *Engine) outboundRoute() *sip.RouteHeader {
	return &sip.RouteHeader{Address: sip.Uri{
		Scheme:    "sip",
		Host:      e.endpoint.Host,
		Port:      e.endpoint.Port,
		UriParams: sip.NewParams().Add("transport", strings.ToLower(e.endpoint.Transport)).Add("lr", ""),
	}}
}

// route направляет запрос в WebSocket соединение сервера сигнализации
func (e *Engine) route(req *sip.Request) {
	req.SetTransport(e.endpoint.Transport)
	req.SetDestination(e.endpoint.Addr())
}

// ping отправляет OPTIONS на домен. Любой ответ означает живой транспорт.
func (e *Engine) ping(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: e.cfg.Credentials.Domain})
	req.AppendHeader(&sip.FromHeader{Address: e.aor, Params: sip.NewParams().Add("tag", sip.GenerateTagN(16))})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", Host: e.cfg.Credentials.Domain}})
	req.AppendHeader(&sip.ContactHeader{Address: e.contact})
	_, err := e.send(ctx, req, false)
	return err
}

// keepAlive проверяет транспорт и восстанавливает регистрацию после обрыва
func (e *Engine) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(e.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := e.ping(ctx)
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		was := e.connected
		e.connected = err == nil
		if err != nil {
			e.registered = false
		}
		e.mu.Unlock()

		switch {
		case err != nil && was:
			e.logger.Warn(ctx, "transport lost", logging.Err(err))
			e.emit(engine.Event{Kind: engine.EventDisconnected, Cause: CauseConnectionError})
		case err == nil && !was:
			e.logger.Info(ctx, "transport restored")
			e.emit(engine.Event{Kind: engine.EventConnected})
			if rerr := e.Register(ctx); rerr != nil {
				e.logger.Warn(ctx, "re-registration failed", logging.Err(rerr))
			}
		}
	}
}

// send отправляет запрос вне диалога и ждет финального ответа.
// При 401/407 и withAuth запрос повторяется один раз с дайджестом.
func (e *Engine) send(ctx context.Context, req *sip.Request, withAuth bool) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	e.route(req)
	for attempt := 0; ; attempt++ {
		res, err := e.transact(ctx, req)
		if err != nil {
			return nil, err
		}
		if withAuth && attempt == 0 && needsAuth(res) {
			creds := e.cfg.Credentials
			if err := authorize(req, res, creds.User, creds.Password); err != nil {
				return res, err
			}
			prepareRetry(req)
			continue
		}
		return res, nil
	}
}

// transact выполняет одну клиентскую транзакцию до финального ответа
func (e *Engine) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without response")
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// Register регистрирует аккаунт
func (e *Engine) Register(ctx context.Context) error {
	if !e.IsConnected() {
		return engine.ErrNotConnected
	}
	return e.sendRegister(ctx, e.opts.RegisterExpires)
}

// Unregister снимает регистрацию
func (e *Engine) Unregister(ctx context.Context) error {
	if !e.IsConnected() {
		return engine.ErrNotConnected
	}
	return e.sendRegister(ctx, 0)
}

// sendRegister отправляет REGISTER. expires=0 снимает регистрацию.
func (e *Engine) sendRegister(ctx context.Context, expires time.Duration) error {
	e.mu.Lock()
	e.regSeq++
	seq, callID, tag := e.regSeq, e.regCallID, e.regTag
	if e.regTimer != nil {
		e.regTimer.Stop()
		e.regTimer = nil
	}
	e.mu.Unlock()

	secs := int(expires / time.Second)
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: e.cfg.Credentials.Domain})
	req.AppendHeader(&sip.FromHeader{Address: e.aor, Params: sip.NewParams().Add("tag", tag)})
	req.AppendHeader(&sip.ToHeader{Address: e.aor})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: e.contact, Params: sip.NewParams().Add("expires", strconv.Itoa(secs))})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(secs)))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))

	res, err := e.send(ctx, req, true)
	if cseq := req.CSeq(); cseq != nil {
		e.mu.Lock()
		if cseq.SeqNo > e.regSeq {
			e.regSeq = cseq.SeqNo
		}
		e.mu.Unlock()
	}

	if expires == 0 {
		e.mu.Lock()
		e.registered = false
		e.mu.Unlock()
		e.emit(engine.Event{Kind: engine.EventUnregistered})
		if err != nil {
			return err
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("unregister: %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}

	var cause string
	switch {
	case err != nil:
		cause = CauseRequestTimeout
		if !errors.Is(err, context.DeadlineExceeded) {
			cause = CauseConnectionError
		}
	case res.StatusCode >= 300:
		cause = causeFor(res.StatusCode)
		err = fmt.Errorf("register: %d %s", res.StatusCode, res.Reason)
	}
	if cause != "" {
		e.mu.Lock()
		e.registered = false
		e.mu.Unlock()
		e.logger.Warn(ctx, "registration failed", logging.String("cause", cause), logging.Err(err))
		e.emit(engine.Event{Kind: engine.EventRegistrationFailed, Cause: cause})
		return err
	}

	e.mu.Lock()
	e.registered = true
	if !e.stopped {
		e.regTimer = time.AfterFunc(expires*9/10, func() {
			if rerr := e.Register(context.Background()); rerr != nil {
				e.logger.Warn(context.Background(), "registration refresh failed", logging.Err(rerr))
			}
		})
	}
	e.mu.Unlock()
	e.logger.Info(ctx, "registered", logging.Int("expires", secs))
	e.emit(engine.Event{Kind: engine.EventRegistered})
	return nil
}

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY"

func (e *Engine) addSession(s *Session) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
}

func (e *Engine) removeSession(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

func (e *Engine) session(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// Call начинает исходящий звонок. Событие newSession отправляется до
// создания предложения, затем сессия отдает peerConnection и sdp.
func (e *Engine) Call(ctx context.Context, target string, opts engine.MediaOptions) (engine.Session, error) {
	if !e.IsConnected() {
		return nil, engine.ErrNotConnected
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	ice := opts.ICEServers
	if ice == nil {
		ice = e.cfg.ICEServers
	}

	s, err := newOutgoingSession(e, uri, ice)
	if err != nil {
		return nil, err
	}
	e.addSession(s)
	e.emit(engine.Event{Kind: engine.EventNewSession, Originator: engine.OriginatorLocal, Session: s})

	if err := s.invite(ctx); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (e *Engine) registerHandlers() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnOptions(e.handleOptions)
	e.server.OnInfo(e.handleInfo)
	e.server.OnNotify(e.handleNotify)
}

func (e *Engine) respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Debug(context.Background(), "respond failed",
			logging.String("method", req.Method.String()), logging.Int("code", code), logging.Err(err))
	}
}

func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()
	callID := req.CallID().Value()
	if s := e.session(callID); s != nil {
		s.handleReinvite(req, tx)
		return
	}
	if tag, ok := req.To().Params.Get("tag"); ok && tag != "" {
		e.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	uas, err := e.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		e.logger.Warn(ctx, "invalid invite", logging.String("call_id", callID), logging.Err(err))
		e.respond(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	s, err := newIncomingSession(e, uas, e.cfg.ICEServers)
	if err != nil {
		e.logger.LogError(ctx, err, "incoming session setup failed", logging.String("call_id", callID))
		go func() {
			_ = uas.Respond(sip.StatusInternalServerError, "Server Internal Error", nil)
			_ = uas.Close()
		}()
		return
	}
	e.addSession(s)
	s.ring()
	e.logger.Info(ctx, "incoming call", logging.String("call_id", callID), logging.String("from", s.remote))
	e.emit(engine.Event{Kind: engine.EventNewSession, Originator: engine.OriginatorRemote, Session: s})
	s.announceIncoming()
}

// handleAck подтверждает входящий диалог. Ожидающий ответ 200 OK
// увидит подтверждение и переведет сессию в confirmed.
func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := e.dialogSrv.ReadAck(req, tx); err != nil {
		e.logger.Debug(context.Background(), "ack outside dialog",
			logging.String("call_id", req.CallID().Value()), logging.Err(err))
	}
}

func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s := e.session(req.CallID().Value())
	if s == nil {
		e.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if err := s.handleBye(req, tx); err != nil {
		e.logger.Warn(context.Background(), "bye rejected", logging.String("call_id", s.id), logging.Err(err))
		if errors.Is(err, sipgo.ErrDialogInvalidCseq) {
			e.respond(tx, req, sip.StatusInternalServerError, "Invalid CSeq")
		}
	}
}

// handleCancel получает только CANCEL без транзакции INVITE: совпавшие
// с INVITE отвечает слой транзакций, а диалог узнает о них через OnCancel.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
}

func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if err := tx.Respond(res); err != nil {
		e.logger.Debug(context.Background(), "options response failed", logging.Err(err))
	}
}

func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	e.logger.Debug(context.Background(), "info received",
		logging.String("call_id", req.CallID().Value()), logging.String("body", string(req.Body())))
	e.respond(tx, req, sip.StatusOK, "OK")
}

// handleNotify принимает уведомления о ходе перевода после REFER
func (e *Engine) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	s := e.session(req.CallID().Value())
	if s == nil {
		e.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	e.logger.Debug(context.Background(), "notify received",
		logging.String("call_id", s.id), logging.String("body", string(req.Body())))
	s.handleNotify(req, tx)
}
