package automaton

import (
	"context"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/looplab/fsm"
)

// Transition events for the attempt automaton.
const (
	EventSuccess = "success"
	EventRetry   = "retry"
	EventAbort   = "abort"
)

// Payment-side events, one per plugin-declared outcome.
const (
	EventProcessed = "processed"
	EventPending   = "pending"
	EventFailed    = "failed"
)

// StateMachine is one named automaton from the boot-time definition: a fixed
// state/event graph with a set of terminal states. It is immutable after
// construction; a throwaway fsm instance is built per transition check.
type StateMachine struct {
	name     string
	initial  string
	states   map[string]bool // value: terminal
	events   []fsm.EventDesc
	eventSet map[string]bool
}

func newStateMachine(name, initial string, terminal []string, events []fsm.EventDesc) *StateMachine {
	sm := &StateMachine{
		name:     name,
		initial:  initial,
		states:   make(map[string]bool),
		events:   events,
		eventSet: make(map[string]bool),
	}
	sm.states[initial] = false
	for _, ev := range events {
		sm.eventSet[ev.Name] = true
		sm.states[ev.Dst] = false
		for _, src := range ev.Src {
			if _, ok := sm.states[src]; !ok {
				sm.states[src] = false
			}
		}
	}
	for _, t := range terminal {
		sm.states[t] = true
	}
	return sm
}

// Name returns the automaton name from the definition.
func (sm *StateMachine) Name() string { return sm.name }

// Initial returns the automaton's initial state name.
func (sm *StateMachine) Initial() string { return sm.initial }

// HasState reports whether the named state exists in the definition.
func (sm *StateMachine) HasState(name string) bool {
	_, ok := sm.states[name]
	return ok
}

// IsTerminal reports whether the named state accepts no further transitions.
func (sm *StateMachine) IsTerminal(name string) bool {
	return sm.states[name]
}

// Transition validates and resolves one state transition. Terminal source
// states reject every event regardless of the declared edges.
func (sm *StateMachine) Transition(ctx context.Context, from, event string) (string, error) {
	if !sm.HasState(from) {
		return "", fmt.Errorf("%s automaton: unknown state %q", sm.name, from)
	}
	if !sm.eventSet[event] {
		return "", fmt.Errorf("%s automaton: unknown event %q", sm.name, event)
	}
	if sm.IsTerminal(from) {
		return "", fmt.Errorf("%s automaton: state %q is terminal", sm.name, from)
	}
	machine := fsm.NewFSM(from, sm.events, nil)
	if err := machine.Event(ctx, event); err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			// Self-loop (e.g. RETRIED --retry--> RETRIED) is a legal edge.
			return machine.Current(), nil
		}
		return "", fmt.Errorf("%s automaton: %q from state %q: %w", sm.name, event, from, err)
	}
	return machine.Current(), nil
}

// Definition bundles the two automatons loaded once at boot: the attempt
// automaton driving retries, and the payment automaton tracking the
// plugin-declared outcome per transaction.
type Definition struct {
	Attempt *StateMachine
	Payment *StateMachine
}

// DefaultDefinition builds the standard graphs.
//
// Attempt: INIT/RETRIED --success--> SUCCESS, --retry--> RETRIED,
// --abort--> ABORTED; SUCCESS and ABORTED terminal.
func DefaultDefinition() *Definition {
	attempt := newStateMachine("attempt", payment.StateInit,
		[]string{payment.StateSuccess, payment.StateAborted},
		[]fsm.EventDesc{
			{Name: EventSuccess, Src: []string{payment.StateInit, payment.StateRetried}, Dst: payment.StateSuccess},
			{Name: EventRetry, Src: []string{payment.StateInit, payment.StateRetried}, Dst: payment.StateRetried},
			{Name: EventAbort, Src: []string{payment.StateInit, payment.StateRetried}, Dst: payment.StateAborted},
		})

	// No payment state is terminal: a settled payment accepts follow-on
	// transactions (authorize then capture) and a failed one accepts retries.
	pay := newStateMachine("payment", "INIT",
		nil,
		[]fsm.EventDesc{
			{Name: EventProcessed, Src: []string{"INIT", "PENDING", "FAILED", "SUCCESS"}, Dst: "SUCCESS"},
			{Name: EventPending, Src: []string{"INIT", "PENDING", "FAILED", "SUCCESS"}, Dst: "PENDING"},
			{Name: EventFailed, Src: []string{"INIT", "PENDING", "FAILED", "SUCCESS"}, Dst: "FAILED"},
		})

	return &Definition{Attempt: attempt, Payment: pay}
}

// PaymentStateName renders the stored payment state, e.g. AUTHORIZE_SUCCESS.
func PaymentStateName(t payment.TransactionType, status payment.TransactionStatus) string {
	var suffix string
	switch status {
	case payment.StatusSuccess:
		suffix = "SUCCESS"
	case payment.StatusPending:
		suffix = "PENDING"
	default:
		suffix = "FAILED"
	}
	return fmt.Sprintf("%s_%s", t, suffix)
}

// PaymentEventFor maps a stored transaction status to the payment automaton
// event it raises.
func PaymentEventFor(status payment.TransactionStatus) string {
	switch status {
	case payment.StatusSuccess:
		return EventProcessed
	case payment.StatusPending:
		return EventPending
	default:
		return EventFailed
	}
}

// GenericPaymentState strips the transaction-type prefix from a stored
// payment state, e.g. AUTHORIZE_SUCCESS -> SUCCESS. An empty stored state
// means no transaction has completed yet.
func GenericPaymentState(stored string) string {
	if stored == "" {
		return "INIT"
	}
	if i := strings.LastIndexByte(stored, '_'); i >= 0 {
		return stored[i+1:]
	}
	return stored
}
