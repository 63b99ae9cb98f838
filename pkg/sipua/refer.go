package sipua

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

// Состояния подписки на ход перевода после REFER (RFC 3515)
const (
	ReferStatePending    = "pending"
	ReferStateTrying     = "trying"
	ReferStateProceeding = "proceeding"
	ReferStateCompleted  = "completed"
	ReferStateFailed     = "failed"
	ReferStateTerminated = "terminated"
)

func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStatePending,
		fsm.Events{
			{Name: "notify_100", Src: []string{ReferStatePending}, Dst: ReferStateTrying},
			{Name: "notify_1xx", Src: []string{ReferStatePending, ReferStateTrying}, Dst: ReferStateProceeding},
			{Name: "notify_success", Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateCompleted},
			{Name: "notify_failure", Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateFailed},
			{Name: "terminate", Src: []string{ReferStateCompleted, ReferStateFailed}, Dst: ReferStateTerminated},
		},
		nil,
	)
}

// referSub подписка на NOTIFY по отправленному REFER
type referSub struct {
	target string
	fsm    *fsm.FSM

	mu        sync.Mutex
	finalCode int
	done      chan struct{}
}

func newReferSub(target string) *referSub {
	return &referSub{
		target: target,
		fsm:    newReferFSM(),
		done:   make(chan struct{}),
	}
}

// onNotify применяет код из тела NOTIFY. terminated закрывает подписку
// после финального кода. Возвращает true, если код финальный.
func (s *referSub) onNotify(code int, terminated bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	final := false
	switch {
	case code == 100:
		_ = s.fsm.Event(ctx, "notify_100")
	case code > 100 && code < 200:
		_ = s.fsm.Event(ctx, "notify_1xx")
	case code >= 200 && code < 300:
		final = s.finish(ctx, code, "notify_success")
	case code >= 300:
		final = s.finish(ctx, code, "notify_failure")
	}
	if terminated && (s.fsm.Is(ReferStateCompleted) || s.fsm.Is(ReferStateFailed)) {
		_ = s.fsm.Event(ctx, "terminate")
	}
	return final
}

func (s *referSub) finish(ctx context.Context, code int, event string) bool {
	if s.finalCode != 0 {
		return false
	}
	s.finalCode = code
	_ = s.fsm.Event(ctx, event)
	close(s.done)
	return true
}

func (s *referSub) state() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

func (s *referSub) result() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalCode
}

// sipfragStatus извлекает код ответа из тела message/sipfrag вида
// "SIP/2.0 200 OK". 0, если строка статуса не распознана.
func sipfragStatus(body []byte) int {
	line, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(line))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}
