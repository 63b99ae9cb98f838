package phone

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// События автомата звонка
const (
	fsmDial     = "dial"
	fsmRing     = "ring"
	fsmProgress = "progress"
	fsmConfirm  = "confirm"
	fsmEnd      = "end"
	fsmFail     = "fail"
	fsmReset    = "reset"
)

var active = []string{string(CallCalling), string(CallIncoming), string(CallConnected)}

// callFSM автомат состояний idle -> calling|incoming -> connected -> idle
type callFSM struct {
	f *fsm.FSM
}

func newCallFSM(onTransition func(from, to CallStatus, event string)) *callFSM {
	c := &callFSM{}
	c.f = fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: fsmDial, Src: []string{string(CallIdle)}, Dst: string(CallCalling)},
			{Name: fsmRing, Src: []string{string(CallIdle)}, Dst: string(CallIncoming)},
			{Name: fsmProgress, Src: []string{string(CallCalling)}, Dst: string(CallCalling)},
			{Name: fsmConfirm, Src: []string{string(CallCalling), string(CallIncoming)}, Dst: string(CallConnected)},
			{Name: fsmEnd, Src: active, Dst: string(CallIdle)},
			{Name: fsmFail, Src: active, Dst: string(CallIdle)},
			{Name: fsmReset, Src: active, Dst: string(CallIdle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil && e.Src != e.Dst {
					onTransition(CallStatus(e.Src), CallStatus(e.Dst), e.Event)
				}
			},
		},
	)
	return c
}

// fire выполняет событие. Переход в то же состояние ошибкой не считается.
func (c *callFSM) fire(ctx context.Context, event string) error {
	err := c.f.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (c *callFSM) can(event string) bool { return c.f.Can(event) }

func (c *callFSM) current() CallStatus { return CallStatus(c.f.Current()) }
