package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/arzzra/webphone/pkg/dtmf"
	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/mediarouter"
)

// DTMFMode способ передачи DTMF
type DTMFMode string

const (
	// DTMFInfo SIP INFO с application/dtmf-relay
	DTMFInfo DTMFMode = "info"
	// DTMFRFC4733 telephone-event в RTP потоке, если согласован
	DTMFRFC4733 DTMFMode = "rfc4733"
)

var (
	ErrSessionTerminated = errors.New("session terminated")
	ErrInvalidState      = errors.New("operation not allowed in current session state")
)

type sessionState int

const (
	stateCalling sessionState = iota
	stateRinging
	stateAnswering
	stateConfirmed
	stateTerminated
)

const contentTypeSDP = "application/sdp"

// dialogSession общая часть клиентского и серверного диалога sipgo
type dialogSession interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	WriteRequest(req *sip.Request) error
	ReadRequest(req *sip.Request, tx sip.ServerTransaction) error
	ReadBye(req *sip.Request, tx sip.ServerTransaction) error
	Close() error
}

var (
	_ dialogSession = (*sipgo.DialogClientSession)(nil)
	_ dialogSession = (*sipgo.DialogServerSession)(nil)
)

// Session звонковая сессия поверх SIP диалога sipgo и pion peer connection
type Session struct {
	eng       *Engine
	id        string
	direction engine.Direction
	remote    string
	target    sip.Uri
	logger    logging.StructuredLogger

	pc     *webrtc.PeerConnection
	handle *mediarouter.PionPeer
	track  *audioTrack

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      sessionState
	handler    func(engine.SessionEvent)
	uac        *sipgo.DialogClientSession
	uas        *sipgo.DialogServerSession
	dlg        dialogSession
	offer      string
	stopInvite context.CancelFunc
	canceled   bool
	muted      bool
	onHold     bool
	localSDP   string
	refer      *referSub
}

var _ engine.Session = (*Session)(nil)

func newSession(e *Engine, id string, dir engine.Direction, remote string, ice []engine.ICEServer) (*Session, error) {
	pc, track, err := newPeer(ice, "webphone-"+id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		eng:       e,
		id:        id,
		direction: dir,
		remote:    remote,
		logger:    e.logger.WithFields(logging.String("call_id", id)),
		pc:        pc,
		handle:    mediarouter.FromPion(id, pc),
		track:     track,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func newOutgoingSession(e *Engine, target sip.Uri, ice []engine.ICEServer) (*Session, error) {
	id := uuid.NewString() + "@" + e.contact.Host
	s, err := newSession(e, id, engine.DirectionOutgoing, target.User, ice)
	if err != nil {
		return nil, err
	}
	s.state = stateCalling
	s.target = target
	return s, nil
}

// newIncomingSession создает сессию по диалогу, прочитанному из INVITE
func newIncomingSession(e *Engine, uas *sipgo.DialogServerSession, ice []engine.ICEServer) (*Session, error) {
	req := uas.InviteRequest
	s, err := newSession(e, req.CallID().Value(), engine.DirectionIncoming, req.From().Address.User, ice)
	if err != nil {
		return nil, err
	}
	s.state = stateRinging
	s.target = req.From().Address
	s.offer = string(req.Body())
	s.uas = uas
	s.dlg = uas

	// CANCEL до ответа: транзакция уже ответила 487, диалог завершен
	uas.OnState(func(st sip.DialogState) {
		if st == sip.DialogStateEnded && errors.Is(context.Cause(uas.Context()), sip.ErrTransactionCanceled) {
			go s.handleCancel()
		}
	})
	return s, nil
}

func (s *Session) ID() string                                 { return s.id }
func (s *Session) Direction() engine.Direction                { return s.direction }
func (s *Session) RemoteUser() string                         { return s.remote }
func (s *Session) PeerConnection() mediarouter.PeerConnection { return s.handle }

// OnEvent задает обработчик событий сессии
func (s *Session) OnEvent(fn func(engine.SessionEvent)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Session) emit(ev engine.SessionEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// finish переводит сессию в terminated. Возвращает false, если она уже там.
func (s *Session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateTerminated {
		return false
	}
	s.state = stateTerminated
	return true
}

// cleanup освобождает медиа, диалог и убирает сессию из движка
func (s *Session) cleanup() {
	s.cancel()
	s.track.close()
	if err := s.pc.Close(); err != nil {
		s.logger.Debug(context.Background(), "peer connection close failed", logging.Err(err))
	}
	s.mu.Lock()
	dlg := s.dlg
	s.mu.Unlock()
	if dlg != nil {
		_ = dlg.Close()
	}
	s.eng.removeSession(s.id)
}

func (s *Session) fail(cause string, originator engine.Originator) {
	if !s.finish() {
		return
	}
	s.logger.Info(context.Background(), "session failed", logging.String("cause", cause), logging.String("originator", string(originator)))
	s.cleanup()
	s.emit(engine.SessionEvent{Kind: engine.SessionFailed, Cause: cause})
}

func (s *Session) end(cause string, originator engine.Originator) {
	if !s.finish() {
		return
	}
	s.logger.Info(context.Background(), "session ended", logging.String("cause", cause), logging.String("originator", string(originator)))
	s.cleanup()
	s.emit(engine.SessionEvent{Kind: engine.SessionEnded, Cause: cause})
}

// remoteTarget адрес для запросов внутри диалога: Contact другой стороны
func (s *Session) remoteTarget() sip.Uri {
	s.mu.Lock()
	uac, uas := s.uac, s.uas
	s.mu.Unlock()
	switch {
	case uac != nil && uac.InviteResponse != nil:
		if c := uac.InviteResponse.Contact(); c != nil {
			return c.Address
		}
	case uas != nil:
		if c := uas.InviteRequest.Contact(); c != nil {
			return c.Address
		}
	}
	return s.target
}

// newRequest запрос внутри диалога. Заголовки диалога и CSeq
// заполняет sipgo при отправке.
func (s *Session) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, s.remoteTarget())
	req.AppendHeader(s.eng.outboundRoute())
	s.eng.route(req)
	return req
}

// invite создает предложение и отправляет INVITE. Ответы ждутся в фоне.
func (s *Session) invite(ctx context.Context) error {
	inviteCtx, stop := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.stopInvite = stop
	s.mu.Unlock()

	s.emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: s.handle})

	offer, err := describe(ctx, s.pc, true)
	if err != nil {
		stop()
		return fmt.Errorf("create offer: %w", err)
	}
	desc := &engine.SDP{Originator: engine.OriginatorLocal, Type: "offer", Body: offer}
	s.emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: desc})

	s.mu.Lock()
	s.localSDP = desc.Body
	s.mu.Unlock()

	// отменен до отправки INVITE
	if inviteCtx.Err() != nil {
		s.end(CauseCanceled, engine.OriginatorLocal)
		return nil
	}

	e := s.eng
	req := sip.NewRequest(sip.INVITE, s.target)
	req.AppendHeader(&sip.FromHeader{Address: e.aor, Params: sip.NewParams().Add("tag", sip.GenerateTagN(16))})
	req.AppendHeader(&sip.ToHeader{Address: s.target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(s.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(e.outboundRoute())
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	req.SetBody([]byte(desc.Body))
	e.route(req)

	uac, err := e.dialogCli.WriteInvite(inviteCtx, req)
	if err != nil {
		stop()
		return fmt.Errorf("send invite: %w", err)
	}
	s.mu.Lock()
	s.uac = uac
	s.dlg = uac
	s.mu.Unlock()

	go s.awaitAnswer(inviteCtx, uac)
	return nil
}

// awaitAnswer ждет финальный ответ на INVITE. Отмена ctx отправляет CANCEL.
func (s *Session) awaitAnswer(ctx context.Context, uac *sipgo.DialogClientSession) {
	creds := s.eng.cfg.Credentials
	progressed := false
	err := uac.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: creds.User,
		Password: creds.Password,
		OnResponse: func(res *sip.Response) error {
			if (res.StatusCode == sip.StatusRinging || res.StatusCode == sip.StatusSessionInProgress) && !progressed {
				progressed = true
				s.emit(engine.SessionEvent{Kind: engine.SessionProgress})
			}
			return nil
		},
	})

	var derr *sipgo.ErrDialogResponse
	switch {
	case err == nil:
		s.confirmOutgoing(uac)
	case ctx.Err() != nil:
		// CANCEL разминулся с 200 OK, диалог закрывается через ACK и BYE
		if res := uac.InviteResponse; res != nil && res.IsSuccess() {
			s.hangupAnswered(uac)
		}
		s.end(CauseCanceled, engine.OriginatorLocal)
	case errors.As(err, &derr):
		s.fail(causeFor(derr.Res.StatusCode), engine.OriginatorRemote)
	default:
		s.logger.Warn(ctx, "invite transaction failed", logging.Err(err))
		cause := CauseConnectionError
		if errors.Is(err, sip.ErrTransactionTimeout) {
			cause = CauseRequestTimeout
		}
		s.fail(cause, engine.OriginatorLocal)
	}
}

// hangupAnswered подтверждает и сразу закрывает отвеченный INVITE
func (s *Session) hangupAnswered(uac *sipgo.DialogClientSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.eng.opts.RequestTimeout)
	defer cancel()
	if err := uac.Ack(ctx); err != nil {
		s.logger.Warn(ctx, "ack failed", logging.Err(err))
		return
	}
	if err := uac.Bye(ctx); err != nil {
		s.logger.Debug(ctx, "bye not confirmed", logging.Err(err))
	}
}

// confirmOutgoing применяет ответ 2xx: ACK, удаленное SDP, confirmed
func (s *Session) confirmOutgoing(uac *sipgo.DialogClientSession) {
	if s.isCanceled() {
		s.hangupAnswered(uac)
		s.end(CauseCanceled, engine.OriginatorLocal)
		return
	}
	if err := uac.Ack(s.ctx); err != nil {
		s.logger.Warn(s.ctx, "ack failed", logging.Err(err))
	}

	answer := &engine.SDP{Originator: engine.OriginatorRemote, Type: "answer", Body: string(uac.InviteResponse.Body())}
	s.emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: answer})
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.Body}); err != nil {
		s.logger.Warn(s.ctx, "remote answer rejected", logging.Err(err))
		go s.bye()
		s.fail(CauseBadMedia, engine.OriginatorLocal)
		return
	}

	s.mu.Lock()
	if s.state != stateCalling {
		s.mu.Unlock()
		return
	}
	s.state = stateConfirmed
	s.mu.Unlock()
	s.logger.Info(s.ctx, "call confirmed")
	s.emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
}

func (s *Session) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// ring отправляет 180 Ringing на входящий INVITE
func (s *Session) ring() {
	if err := s.uas.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		s.logger.Warn(s.ctx, "ringing response failed", logging.Err(err))
	}
}

// announceIncoming отдает peer connection и удаленное предложение
// после того как потребитель подписался на newSession
func (s *Session) announceIncoming() {
	s.emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: s.handle})
	offer := &engine.SDP{Originator: engine.OriginatorRemote, Type: "offer", Body: s.offer}
	s.emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: offer})
}

// reject отвечает на входящий INVITE финальным отказом. sipgo ждет ACK
// на отказ, поэтому ответ уходит в фоне.
func (s *Session) reject(code int, reason string) {
	go func() {
		if err := s.uas.Respond(code, reason, nil); err != nil {
			s.logger.Debug(context.Background(), "reject response failed", logging.Int("code", code), logging.Err(err))
		}
	}()
}

// Answer принимает входящий звонок. confirmed придет после ACK.
func (s *Session) Answer(ctx context.Context, opts engine.MediaOptions) error {
	s.mu.Lock()
	if s.direction != engine.DirectionIncoming || s.state != stateRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = stateAnswering
	offer := s.offer
	s.mu.Unlock()

	if opts.ICEServers != nil {
		if err := s.pc.SetConfiguration(webrtc.Configuration{ICEServers: toPionICE(opts.ICEServers)}); err != nil {
			s.logger.Debug(ctx, "ice servers not applied", logging.Err(err))
		}
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		s.reject(sip.StatusNotAcceptableHere, "Not Acceptable Here")
		s.fail(CauseIncompatibleSDP, engine.OriginatorLocal)
		return fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := describe(ctx, s.pc, false)
	if err != nil {
		s.reject(sip.StatusInternalServerError, "Server Internal Error")
		s.fail(CauseBadMedia, engine.OriginatorLocal)
		return fmt.Errorf("create answer: %w", err)
	}
	desc := &engine.SDP{Originator: engine.OriginatorLocal, Type: "answer", Body: answer}
	s.emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: desc})

	s.mu.Lock()
	s.localSDP = desc.Body
	s.mu.Unlock()

	go s.accept(desc.Body)
	return nil
}

// accept отправляет 200 OK и ждет ACK. sipgo повторяет 2xx до ACK.
func (s *Session) accept(body string) {
	err := s.uas.Respond(sip.StatusOK, "OK", []byte(body), sip.NewHeader("Content-Type", contentTypeSDP))
	switch {
	case err == nil && s.uas.LoadState() == sip.DialogStateConfirmed:
		s.confirmIncoming()
	case err == nil:
		// ACK не пришел за время повторов 2xx
		s.logger.Warn(s.ctx, "no ack for answer")
		s.bye()
		s.fail(CauseNoAck, engine.OriginatorRemote)
	case errors.Is(context.Cause(s.uas.Context()), sip.ErrTransactionCanceled):
		s.handleCancel()
	default:
		s.logger.Warn(s.ctx, "answer response failed", logging.Err(err))
		s.fail(CauseConnectionError, engine.OriginatorLocal)
	}
}

func (s *Session) confirmIncoming() {
	s.mu.Lock()
	if s.state != stateAnswering {
		s.mu.Unlock()
		return
	}
	s.state = stateConfirmed
	s.mu.Unlock()
	s.logger.Info(s.ctx, "call confirmed")
	s.emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
}

// handleBye отвечает на BYE через диалог и завершает сессию
func (s *Session) handleBye(req *sip.Request, tx sip.ServerTransaction) error {
	s.mu.Lock()
	dlg := s.dlg
	s.mu.Unlock()
	if dlg == nil {
		return sipgo.ErrDialogDoesNotExists
	}
	if err := dlg.ReadBye(req, tx); err != nil {
		return err
	}
	s.end(CauseTerminated, engine.OriginatorRemote)
	return nil
}

// handleCancel завершает входящий звонок, отмененный до ответа.
// Это обычное завершение, а не ошибка: в журнал он попадает пропущенным.
func (s *Session) handleCancel() {
	switch s.currentState() {
	case stateRinging, stateAnswering:
		s.end(CauseCanceled, engine.OriginatorRemote)
	}
}

// handleReinvite отвечает на повторный INVITE, например удержание с той стороны
func (s *Session) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	if s.currentState() != stateConfirmed {
		s.eng.respond(tx, req, sip.StatusRequestPending, "Request Pending")
		return
	}
	if err := s.dlg.ReadRequest(req, tx); err != nil {
		s.eng.respond(tx, req, sip.StatusInternalServerError, "Invalid CSeq")
		return
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(req.Body())}); err != nil {
		s.eng.respond(tx, req, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	answer, err := describe(s.ctx, s.pc, false)
	if err != nil {
		s.eng.respond(tx, req, sip.StatusInternalServerError, "Server Internal Error")
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", []byte(answer))
	res.AppendHeader(&sip.ContactHeader{Address: s.eng.contact})
	res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	if err := tx.Respond(res); err != nil {
		s.logger.Warn(s.ctx, "re-invite response failed", logging.Err(err))
	}
}

// handleNotify применяет NOTIFY о ходе перевода к подписке REFER
func (s *Session) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	dlg, sub := s.dlg, s.refer
	s.mu.Unlock()
	if dlg == nil {
		s.eng.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if err := dlg.ReadRequest(req, tx); err != nil {
		s.eng.respond(tx, req, sip.StatusInternalServerError, "Invalid CSeq")
		return
	}
	s.eng.respond(tx, req, sip.StatusOK, "OK")
	if sub == nil {
		return
	}

	code := sipfragStatus(req.Body())
	terminated := false
	if h := req.GetHeader("Subscription-State"); h != nil {
		terminated = strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "terminated")
	}
	if sub.onNotify(code, terminated) {
		s.logger.Info(s.ctx, "transfer finished", logging.String("target", sub.target), logging.Int("code", code))
	}
}

// Terminate завершает сессию способом, подходящим для состояния:
// отказ на входящий, CANCEL на исходящий до ответа, BYE после.
// code и reason используются только для отказа, 0 означает 480.
func (s *Session) Terminate(ctx context.Context, code int, reason string) error {
	switch s.currentState() {
	case stateTerminated:
		return nil
	case stateRinging:
		if code == 0 {
			code, reason = sip.StatusTemporarilyUnavailable, "Temporarily Unavailable"
		}
		if reason == "" {
			reason = "Rejected"
		}
		s.reject(code, reason)
		s.fail(CauseRejected, engine.OriginatorLocal)
		return nil
	case stateCalling:
		s.cancelInvite()
		return nil
	default:
		go s.bye()
		s.end(CauseTerminated, engine.OriginatorLocal)
		return nil
	}
}

// cancelInvite останавливает ожидание ответа, sipgo отправляет CANCEL.
// Итог придет ответом 487 на INVITE.
func (s *Session) cancelInvite() {
	s.mu.Lock()
	s.canceled = true
	stop := s.stopInvite
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// bye закрывает подтвержденный диалог
func (s *Session) bye() {
	ctx, cancel := context.WithTimeout(context.Background(), s.eng.opts.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	uac, uas := s.uac, s.uas
	s.mu.Unlock()

	var err error
	switch {
	case uac != nil:
		err = uac.Bye(ctx)
	case uas != nil:
		err = uas.WriteBye(ctx, s.newRequest(sip.BYE))
	}
	if err != nil {
		s.logger.Debug(ctx, "bye not confirmed", logging.Err(err))
	}
}

// inDialog выполняет запрос внутри подтвержденного диалога
func (s *Session) inDialog(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	switch s.currentState() {
	case stateConfirmed:
	case stateTerminated:
		return nil, ErrSessionTerminated
	default:
		return nil, ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(ctx, s.eng.opts.RequestTimeout)
	defer cancel()
	res, err := s.dlg.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return res, fmt.Errorf("%s rejected: %d %s", req.Method.String(), res.StatusCode, res.Reason)
	}
	return res, nil
}

func (s *Session) Mute() {
	s.mu.Lock()
	s.muted = true
	paused := s.muted || s.onHold
	s.mu.Unlock()
	s.track.setPaused(paused)
}

func (s *Session) Unmute() {
	s.mu.Lock()
	s.muted = false
	paused := s.muted || s.onHold
	s.mu.Unlock()
	s.track.setPaused(paused)
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) IsOnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onHold
}

// Hold ставит звонок на удержание повторным INVITE с a=sendonly
func (s *Session) Hold(ctx context.Context) error { return s.reinvite(ctx, true) }

// Unhold снимает удержание повторным INVITE с a=sendrecv
func (s *Session) Unhold(ctx context.Context) error { return s.reinvite(ctx, false) }

func (s *Session) reinvite(ctx context.Context, hold bool) error {
	s.mu.Lock()
	if s.onHold == hold {
		s.mu.Unlock()
		return nil
	}
	base := s.localSDP
	s.mu.Unlock()

	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}
	body, err := setDirection(base, direction)
	if err != nil {
		return err
	}

	req := s.newRequest(sip.INVITE)
	req.SetBody([]byte(body))
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	res, err := s.inDialog(ctx, req)
	if res != nil && res.IsSuccess() {
		// ACK на 2xx идет вне транзакции с CSeq повторного INVITE
		if werr := s.dlg.WriteRequest(s.newRequest(sip.ACK)); werr != nil {
			s.logger.Warn(ctx, "re-invite ack failed", logging.Err(werr))
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.onHold = hold
	s.localSDP = body
	paused := s.muted || s.onHold
	s.mu.Unlock()
	s.track.setPaused(paused)
	s.logger.Info(ctx, "hold changed", logging.Bool("on_hold", hold))
	return nil
}

// SendDTMF отправляет тоны. RFC 4733 используется, только если выбран
// и telephone-event согласован, иначе SIP INFO.
func (s *Session) SendDTMF(ctx context.Context, tones string) error {
	digits, err := dtmf.ParseTones(tones)
	if err != nil {
		return err
	}
	if s.currentState() != stateConfirmed {
		return ErrInvalidState
	}
	opts := dtmf.DefaultOptions()

	if s.eng.opts.DTMFMode == DTMFRFC4733 && s.track.eventsNegotiated() {
		return dtmf.Send(ctx, s.track, dtmf.NewPacketizer(opts), tones)
	}

	for i, d := range digits {
		req := s.newRequest(sip.INFO)
		body := "Signal=" + d.String() + "\r\nDuration=" + strconv.Itoa(int(opts.Duration/time.Millisecond)) + "\r\n"
		req.SetBody([]byte(body))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		if _, err := s.inDialog(ctx, req); err != nil {
			return fmt.Errorf("dtmf %s: %w", d, err)
		}
		if i == len(digits)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Gap):
		}
	}
	return nil
}

// Refer переводит звонок на target. Ход перевода приходит в NOTIFY
// и доступен через TransferState.
func (s *Session) Refer(ctx context.Context, target string) error {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return fmt.Errorf("invalid refer target %q: %w", target, err)
	}
	sub := newReferSub(uri.String())
	s.mu.Lock()
	prev := s.refer
	s.refer = sub
	s.mu.Unlock()

	req := s.newRequest(sip.REFER)
	req.AppendHeader(&sip.ReferToHeader{Address: uri})
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+s.eng.aor.String()+">"))
	if _, err := s.inDialog(ctx, req); err != nil {
		s.mu.Lock()
		if s.refer == sub {
			s.refer = prev
		}
		s.mu.Unlock()
		return err
	}
	s.logger.Info(ctx, "transfer accepted", logging.String("target", uri.String()))
	return nil
}

// TransferState состояние последнего перевода, "" если его не было
func (s *Session) TransferState() string {
	s.mu.Lock()
	sub := s.refer
	s.mu.Unlock()
	if sub == nil {
		return ""
	}
	return sub.state()
}
