package phone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/calltimer"
	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/engine/enginetest"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/mediarouter"
	"github.com/arzzra/webphone/pkg/presence"
	"github.com/arzzra/webphone/pkg/storage"
)

var creds = engine.Credentials{User: "1001", Password: "secret", Domain: "pbx.local", SocketURL: "wss://pbx.local:8089/ws"}

type stubTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (s *stubTicker) C() <-chan time.Time { return s.ch }
func (s *stubTicker) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

type fixture struct {
	t       *testing.T
	o       *Orchestrator
	factory *enginetest.Factory
	store   *storage.Memory
	ctx     context.Context

	tickMu  sync.Mutex
	tickers []*stubTicker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, factory: &enginetest.Factory{}, store: storage.NewMemory(), ctx: context.Background()}
	ticker := func(time.Duration) calltimer.Ticker {
		tk := &stubTicker{ch: make(chan time.Time)}
		f.tickMu.Lock()
		f.tickers = append(f.tickers, tk)
		f.tickMu.Unlock()
		return tk
	}
	o, err := New(Config{
		Factory:         f.factory.New,
		Store:           f.store,
		Metrics:         MetricsConfig{Enabled: true, Namespace: "test", Registerer: prometheus.NewRegistry()},
		TickerFactory:   ticker,
		Now:             func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local) },
		MonitorDisabled: true,
	})
	require.NoError(t, err)
	f.o = o
	return f
}

func (f *fixture) login() *enginetest.Engine {
	f.t.Helper()
	require.NoError(f.t, f.o.Login(f.ctx, creds, nil))
	return f.factory.Last()
}

func (f *fixture) incoming(id, remote string) *enginetest.Session {
	s := enginetest.NewSession(id, engine.DirectionIncoming, remote)
	f.factory.Last().Incoming(s)
	return s
}

func (f *fixture) dial(target string) *enginetest.Session {
	f.t.Helper()
	require.NoError(f.t, f.o.Call(f.ctx, target))

	f.o.mu.Lock()
	defer f.o.mu.Unlock()
	require.NotNil(f.t, f.o.call)
	return f.o.call.session.(*enginetest.Session)
}

func (f *fixture) state() PhoneState { return f.o.Snapshot() }

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestLoginUpdatesStateAndPersists(t *testing.T) {
	f := newFixture(t)
	ice := []engine.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	require.NoError(t, f.o.Login(f.ctx, creds, ice))

	st := f.state()
	assert.True(t, st.ConnectionStatus)
	assert.True(t, st.RegistrationStatus)
	assert.Equal(t, presence.StatusOffline, st.AgentStatus)
	assert.Equal(t, CallIdle, st.CallStatus)
	assert.Equal(t, ice, st.ICEServers)

	rec, err := storage.LoadCredentials(f.ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, creds, rec.Credentials())
	assert.Equal(t, ice, rec.ICEServers)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.o.metrics.engineRestarts))
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	err := f.o.Login(f.ctx, engine.Credentials{User: "1001"}, nil)
	assert.ErrorIs(t, err, engine.ErrInvalidCredentials)
	assert.Zero(t, f.factory.Count())
}

func TestLoginConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.factory.Configure = func(e *enginetest.Engine) { e.StartErr = errors.New("websocket handshake failed") }

	err := f.o.Login(f.ctx, creds, nil)
	assert.True(t, IsCategory(err, ErrorCategoryConnectivity))
	assert.False(t, f.state().ConnectionStatus)

	_, err = storage.LoadCredentials(f.ctx, f.store)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoginReusesEngineForSameIdentity(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.login()
	assert.Equal(t, 1, f.factory.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.o.metrics.engineRestarts))
}

func TestRegistrationFailedSetsError(t *testing.T) {
	f := newFixture(t)
	eng := f.login()
	eng.Emit(engine.Event{Kind: engine.EventRegistrationFailed, Cause: "Authentication Error"})

	st := f.state()
	assert.False(t, st.RegistrationStatus)
	assert.Equal(t, "Registration Failed: Authentication Error", st.LastError)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.o.metrics.registrationFailures))

	eng.Emit(engine.Event{Kind: engine.EventRegistered})
	assert.Empty(t, f.state().LastError)

	eng.Emit(engine.Event{Kind: engine.EventDisconnected})
	st = f.state()
	assert.False(t, st.ConnectionStatus)
	assert.False(t, st.RegistrationStatus)
}

func TestBusyRejectsInboundWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.login()
	require.NoError(t, f.o.SetAgentStatus(f.ctx, presence.StatusBusy))
	before := f.state()

	s := f.incoming("in-1", "2002")

	assert.Equal(t, []enginetest.Termination{{Code: 486, Reason: "Busy Here"}}, s.Terminations)
	assert.False(t, s.HasHandler())
	after := f.state()
	assert.Equal(t, CallIdle, after.CallStatus)
	assert.Empty(t, after.RemoteIdentity)
	assert.Equal(t, before, after)
	assert.Empty(t, f.o.History())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.o.metrics.busyRejections))
}

func TestIncomingEndedBeforeConfirmIsMissed(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.incoming("in-1", "2002")

	st := f.state()
	assert.Equal(t, CallIncoming, st.CallStatus)
	assert.Equal(t, "2002", st.RemoteIdentity)
	assert.Equal(t, engine.DirectionIncoming, st.Direction)

	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded, Cause: "Canceled"})

	assert.Equal(t, CallIdle, f.state().CallStatus)
	h := f.o.History()
	require.Len(t, h, 1)
	assert.Equal(t, history.Entry{Number: "2002", Time: "2024-05-06 07:08:09", Status: history.StatusMissed, Direction: history.DirectionIncoming}, h[0])

	saved, err := storage.LoadHistory(f.ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, h, saved)
}

func TestOutgoingLifecycle(t *testing.T) {
	f := newFixture(t)
	eng := f.login()
	s := f.dial("1002")

	assert.Equal(t, []string{"sip:1002@pbx.local"}, eng.Calls)
	assert.True(t, eng.CallOpts[0].Audio)
	assert.Equal(t, CallCalling, f.state().CallStatus)
	assert.Equal(t, "1002", f.state().RemoteIdentity)

	s.Emit(engine.SessionEvent{Kind: engine.SessionProgress})
	assert.Equal(t, CallCalling, f.state().CallStatus)

	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
	st := f.state()
	assert.Equal(t, CallConnected, st.CallStatus)
	assert.Equal(t, "00:00:00", st.Timer)
	assert.True(t, f.o.timer.Running())

	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded, Cause: "Terminated"})
	st = f.state()
	assert.Equal(t, CallIdle, st.CallStatus)
	assert.False(t, f.o.timer.Running())
	assert.Equal(t, "00:00:00", st.Timer)
	assert.Empty(t, st.RemoteIdentity)

	h := f.o.History()
	require.Len(t, h, 1)
	assert.Equal(t, history.StatusConnected, h[0].Status)
	assert.Equal(t, history.DirectionOutgoing, h[0].Direction)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.o.metrics.callsTotal.WithLabelValues("Outgoing", "Connected")))
}

func TestOutgoingEndedBeforeConfirmIsCancelled(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")
	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})

	h := f.o.History()
	require.Len(t, h, 1)
	assert.Equal(t, history.StatusCancelled, h[0].Status)
}

func TestFailedCall(t *testing.T) {
	for _, confirmed := range []bool{false, true} {
		f := newFixture(t)
		f.login()
		s := f.dial("1002")
		if confirmed {
			s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
		}
		s.Emit(engine.SessionEvent{Kind: engine.SessionFailed, Cause: "Busy"})

		st := f.state()
		assert.Equal(t, CallIdle, st.CallStatus)
		assert.Equal(t, "Call Failed: Busy", st.LastError)
		assert.False(t, f.o.timer.Running())
		h := f.o.History()
		require.Len(t, h, 1)
		assert.Equal(t, history.StatusFailed, h[0].Status)
	}
}

func TestConfirmStartsTimerFromZero(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")
	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})

	f.tickMu.Lock()
	tk := f.tickers[len(f.tickers)-1]
	f.tickMu.Unlock()

	updates, cancel := f.o.Subscribe()
	defer cancel()
	<-updates

	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return f.state().Timer == "00:00:01" }, time.Second, 5*time.Millisecond)

	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	tk.mu.Lock()
	assert.True(t, tk.stopped)
	tk.mu.Unlock()

	s2 := f.dial("1003")
	s2.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
	assert.Equal(t, "00:00:00", f.state().Timer)
}

func TestLocalOfferIsNormalized(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")

	offer := &engine.SDP{Originator: engine.OriginatorLocal, Type: "offer", Body: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111 0 8 101\r\n"}
	s.Emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: offer})
	assert.Equal(t, "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0 8 111 101\r\n", offer.Body)

	remote := &engine.SDP{Originator: engine.OriginatorRemote, Type: "answer", Body: "m=audio 9 RTP/AVP 111 0\r\n"}
	s.Emit(engine.SessionEvent{Kind: engine.SessionSDP, SDP: remote})
	assert.Equal(t, "m=audio 9 RTP/AVP 111 0\r\n", remote.Body)
}

func TestPeerConnectionWiredOnce(t *testing.T) {
	f := newFixture(t)
	f.login()
	pc := enginetest.NewPeer("pc-1")
	s := enginetest.NewSession("in-1", engine.DirectionIncoming, "2002").WithPeer(pc)
	f.factory.Last().Incoming(s)

	s.Emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: pc})
	s.Emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: pc})
	assert.Equal(t, 1, pc.Subscriptions())

	pc.EmitTrack(mediarouter.TrackEvent{Track: enginetest.AudioTrack("a1", "")})
	st := f.state()
	require.True(t, st.HasRemoteStream)
	assert.True(t, st.RemoteStream.Synthesized)

	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	st = f.state()
	assert.False(t, st.HasRemoteStream)
	assert.Nil(t, st.RemoteStream)
	assert.False(t, f.o.router.IsWired("pc-1"))
}

func TestExistingReceiverAdoptedOnWire(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")
	pc := enginetest.NewPeer("pc-2", enginetest.AudioTrack("a1", "stream-1"))

	s.Emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: pc})
	st := f.state()
	require.NotNil(t, st.RemoteStream)
	assert.Equal(t, "stream-1", st.RemoteStream.ID)
}

func TestMonitorFailureDoesNotAffectCall(t *testing.T) {
	f := newFixture(t)
	f.o.cfg.MonitorDisabled = false
	f.login()
	s := f.dial("1002")
	pc := enginetest.NewPeer("pc-3")
	s.Emit(engine.SessionEvent{Kind: engine.SessionPeerConnection, PeerConnection: pc})

	// фейковый трек не отдает RTP, монитор не захватывается
	pc.EmitTrack(mediarouter.TrackEvent{Track: enginetest.AudioTrack("a1", "s1")})
	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})

	st := f.state()
	assert.Equal(t, CallConnected, st.CallStatus)
	assert.True(t, st.HasRemoteStream)
	assert.Empty(t, st.LastError)
	f.o.mu.Lock()
	assert.Nil(t, f.o.call.monitor)
	f.o.mu.Unlock()
}

func TestCallRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	err := f.o.Call(f.ctx, "1002")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, "Not registered. Please login.", f.state().LastError)

	eng := f.login()
	eng.Emit(engine.Event{Kind: engine.EventUnregistered})
	assert.ErrorIs(t, f.o.Call(f.ctx, "1002"), ErrNotRegistered)
	assert.Empty(t, eng.Calls)
}

func TestCallWhileActive(t *testing.T) {
	f := newFixture(t)
	f.login()
	f.dial("1002")
	assert.ErrorIs(t, f.o.Call(f.ctx, "1003"), ErrCallInProgress)
}

func TestCallSetupError(t *testing.T) {
	f := newFixture(t)
	eng := f.login()
	eng.CallErr = errors.New("offer creation failed")

	err := f.o.Call(f.ctx, "1002")
	assert.True(t, IsCategory(err, ErrorCategoryCallSetup))
	st := f.state()
	assert.Equal(t, CallIdle, st.CallStatus)
	assert.Equal(t, "Call Failed: offer creation failed", st.LastError)
}

func TestOverlappingInboundRejected(t *testing.T) {
	f := newFixture(t)
	f.login()
	first := f.incoming("in-1", "2002")
	second := f.incoming("in-2", "2003")

	assert.Empty(t, first.Terminations)
	assert.Equal(t, []enginetest.Termination{{Code: 486, Reason: "Busy Here"}}, second.Terminations)
	assert.Equal(t, "2002", f.state().RemoteIdentity)

	// события отклоненной сессии не влияют на активную
	second.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	assert.Equal(t, CallIncoming, f.state().CallStatus)
	assert.Empty(t, f.o.History())
}

func TestAnswerPassesMediaOptions(t *testing.T) {
	f := newFixture(t)
	ice := []engine.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}}
	require.NoError(t, f.o.Login(f.ctx, creds, ice))

	assert.ErrorIs(t, f.o.Answer(f.ctx), ErrNoActiveCall)
	s := f.incoming("in-1", "2002")
	require.NoError(t, f.o.Answer(f.ctx))
	require.Len(t, s.Answers, 1)
	assert.True(t, s.Answers[0].Audio)
	assert.False(t, s.Answers[0].Video)
	assert.Equal(t, ice, s.Answers[0].ICEServers)

	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
	assert.ErrorIs(t, f.o.Answer(f.ctx), ErrNotIncoming)
}

func TestAnswerErrorAfterSessionFailedKeepsCause(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.incoming("in-1", "2002")
	s.OnAnswer = func(s *enginetest.Session) error {
		s.Emit(engine.SessionEvent{Kind: engine.SessionFailed, Cause: "Incompatible SDP"})
		return errors.New("apply remote offer: bad sdp")
	}

	err := f.o.Answer(f.ctx)
	assert.True(t, IsCategory(err, ErrorCategoryCallSetup))

	st := f.state()
	assert.Equal(t, CallIdle, st.CallStatus)
	assert.Equal(t, "Call Failed: Incompatible SDP", st.LastError)
	assert.Empty(t, s.Terminations)
	h := f.o.History()
	require.Len(t, h, 1)
	assert.Equal(t, history.StatusFailed, h[0].Status)
}

func TestHangupWaitsForEnded(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")

	require.NoError(t, f.o.Hangup(f.ctx))
	assert.Len(t, s.Terminations, 1)
	assert.Equal(t, CallCalling, f.state().CallStatus)

	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	assert.Equal(t, CallIdle, f.state().CallStatus)
	assert.ErrorIs(t, f.o.Hangup(f.ctx), ErrNoActiveCall)
}

func TestMuteHoldToggleAndReset(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")
	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})

	require.NoError(t, f.o.Mute(f.ctx))
	require.NoError(t, f.o.Hold(f.ctx))
	st := f.state()
	assert.True(t, st.IsMuted)
	assert.True(t, st.IsOnHold)

	require.NoError(t, f.o.Mute(f.ctx))
	require.NoError(t, f.o.Hold(f.ctx))
	st = f.state()
	assert.False(t, st.IsMuted)
	assert.False(t, st.IsOnHold)

	require.NoError(t, f.o.Mute(f.ctx))
	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	assert.False(t, f.state().IsMuted)
}

func TestDTMFAndTransfer(t *testing.T) {
	f := newFixture(t)
	f.login()
	assert.ErrorIs(t, f.o.SendDTMF(f.ctx, "1"), ErrNoActiveCall)
	assert.ErrorIs(t, f.o.Transfer(f.ctx, "1003"), ErrNoActiveCall)

	s := f.dial("1002")
	require.NoError(t, f.o.SendDTMF(f.ctx, "12#"))
	require.NoError(t, f.o.Transfer(f.ctx, "1003"))
	require.NoError(t, f.o.Transfer(f.ctx, "sip:1004@other.local"))
	assert.Equal(t, []string{"12#"}, s.DTMF)
	assert.Equal(t, []string{"sip:1003@pbx.local", "sip:1004@other.local"}, s.Refers)
}

func TestSetAgentStatusDrivesRegistration(t *testing.T) {
	f := newFixture(t)
	eng := f.login()

	require.NoError(t, f.o.SetAgentStatus(f.ctx, presence.StatusOffline))
	assert.Equal(t, 1, eng.Unregisters)
	assert.False(t, f.state().RegistrationStatus)

	require.NoError(t, f.o.SetAgentStatus(f.ctx, presence.StatusOnline))
	assert.Equal(t, 1, eng.Registers)
	assert.True(t, f.state().RegistrationStatus)
	assert.Equal(t, presence.StatusOnline, f.state().AgentStatus)
}

func TestLogoutFinalizesActiveCall(t *testing.T) {
	f := newFixture(t)
	eng := f.login()
	require.NoError(t, f.o.SetAgentStatus(f.ctx, presence.StatusOnline))
	s := f.incoming("in-1", "2002")

	f.o.Logout(f.ctx)

	st := f.state()
	assert.False(t, st.ConnectionStatus)
	assert.False(t, st.RegistrationStatus)
	assert.Equal(t, presence.StatusOffline, st.AgentStatus)
	assert.Equal(t, CallIdle, st.CallStatus)
	assert.Equal(t, 1, eng.Stops)
	assert.Len(t, s.Terminations, 1)

	h := f.o.History()
	require.Len(t, h, 1)
	assert.Equal(t, history.StatusMissed, h[0].Status)

	_, err := storage.LoadCredentials(f.ctx, f.store)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTryAutoLogin(t *testing.T) {
	f := newFixture(t)
	ok, err := f.o.TryAutoLogin(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.Set(f.ctx, storage.KeyCredentials, []byte(`{"user":"1001"`)))
	ok, err = f.o.TryAutoLogin(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.Set(f.ctx, storage.KeyCredentials, []byte(`{"user":"1001","domain":"pbx.local","socketUrl":"wss://x"}`)))
	ok, err = f.o.TryAutoLogin(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.factory.Count())

	ice := []engine.ICEServer{{URLs: []string{"stun:stun.example.org"}}}
	require.NoError(t, storage.SaveCredentials(f.ctx, f.store, storage.NewCredentialsRecord(creds, ice)))
	ok, err = f.o.TryAutoLogin(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ice, f.factory.Last().Config().ICEServers)
	assert.True(t, f.state().RegistrationStatus)
}

func TestHistoryPersistenceAndClear(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, storage.KeyHistory, []byte("not json")))

	f := &enginetest.Factory{}
	o, err := New(Config{Factory: f.New, Store: store})
	require.NoError(t, err)
	assert.Empty(t, o.History())

	saved := []history.Entry{{Number: "1", Time: "t", Status: history.StatusMissed, Direction: history.DirectionIncoming}}
	require.NoError(t, storage.SaveHistory(ctx, store, saved))
	o, err = New(Config{Factory: f.New, Store: store})
	require.NoError(t, err)
	assert.Equal(t, saved, o.History())

	require.NoError(t, o.ClearHistory(ctx))
	assert.Empty(t, o.History())
	_, err = store.Get(ctx, storage.KeyHistory)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClearHistoryNotOverwrittenByLateSave(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.incoming("in-1", "2002")
	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	require.Len(t, f.o.History(), 1)

	require.NoError(t, f.o.ClearHistory(f.ctx))
	// запись журнала, отложенная завершением звонка, выполняется после очистки
	f.o.saveHistory(f.ctx)

	saved, err := storage.LoadHistory(f.ctx, f.store)
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Empty(t, f.o.History())
}

func TestHistoryCapped(t *testing.T) {
	f := newFixture(t)
	f.login()
	for i := 0; i < history.Capacity+1; i++ {
		s := f.dial("1002")
		s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})
	}
	assert.Len(t, f.o.History(), history.Capacity)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.o.Subscribe()

	first := <-updates
	assert.Equal(t, CallIdle, first.CallStatus)

	f.login()
	var last PhoneState
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.RegistrationStatus
	}, time.Second, time.Millisecond)

	cancel()
	for range updates {
	}
	assert.NotPanics(t, cancel)
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	f := newFixture(t)
	f.login()
	s := f.dial("1002")
	s.Emit(engine.SessionEvent{Kind: engine.SessionEnded})

	s.Emit(engine.SessionEvent{Kind: engine.SessionConfirmed})
	s.Emit(engine.SessionEvent{Kind: engine.SessionFailed, Cause: "late"})
	assert.Equal(t, CallIdle, f.state().CallStatus)
	assert.Empty(t, f.state().LastError)
	assert.Len(t, f.o.History(), 1)
}

func TestTargetURI(t *testing.T) {
	assert.Equal(t, "sip:1002@pbx.local", TargetURI("1002", "pbx.local"))
	assert.Equal(t, "sip:1002@pbx.local", TargetURI(" 1002 ", "pbx.local"))
	assert.Equal(t, "sips:bob@x", TargetURI("sips:bob@x", "pbx.local"))
}

func TestEventKindNames(t *testing.T) {
	for k := EventKind(0); k < eventKindCount; k++ {
		assert.NotEmpty(t, k.String())
		assert.NotNil(t, dispatchTable[k], k.String())
	}
	assert.Equal(t, "EventKind(99)", EventKind(99).String())
}
