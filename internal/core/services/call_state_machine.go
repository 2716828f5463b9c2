package services

import (
	"context"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

type TransitionObserver func(domain.TransitionRecord)

type InvalidTransitionObserver func(from, to domain.CallState, reason string)

// CallStateMachine enforces the call lifecycle. Failed transitions are
// reported through observers and the bus, never returned as errors.
type CallStateMachine struct {
	callID  domain.CallID
	initial domain.CallState
	clock   clock.Clock
	bus     ports.EventPublisher
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	machine   *fsm.FSM
	previous  domain.CallState
	history   []domain.TransitionRecord
	enteredAt time.Time

	onChange  []TransitionObserver
	onEnter   map[domain.CallState][]TransitionObserver
	onExit    map[domain.CallState][]TransitionObserver
	onInvalid []InvalidTransitionObserver
}

type StateMachineOption func(*CallStateMachine)

func WithInitialState(state domain.CallState) StateMachineOption {
	return func(m *CallStateMachine) {
		if state.Valid() {
			m.initial = state
		}
	}
}

func WithStateMachineClock(c clock.Clock) StateMachineOption {
	return func(m *CallStateMachine) {
		m.clock = c
	}
}

type TransitionOption func(*domain.TransitionRecord)

func WithReason(reason string) TransitionOption {
	return func(r *domain.TransitionRecord) {
		r.Reason = reason
	}
}

func WithMetadata(metadata map[string]string) TransitionOption {
	return func(r *domain.TransitionRecord) {
		if len(metadata) == 0 {
			return
		}
		r.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			r.Metadata[k] = v
		}
	}
}

func NewCallStateMachine(callID domain.CallID, bus ports.EventPublisher, logger *zap.SugaredLogger, opts ...StateMachineOption) *CallStateMachine {
	m := &CallStateMachine{
		callID:  callID,
		initial: domain.CallStateIdle,
		clock:   clock.Real{},
		bus:     publisherOrNop(bus),
		logger:  logger,
		onEnter: make(map[domain.CallState][]TransitionObserver),
		onExit:  make(map[domain.CallState][]TransitionObserver),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.machine = fsm.NewFSM(string(m.initial), callEvents(), fsm.Callbacks{})
	m.enteredAt = m.clock.Now()
	return m
}

// callEvents turns the successor table into fsm events. Each event is named
// after its destination and lists every state it may be fired from.
func callEvents() fsm.Events {
	sources := make(map[domain.CallState][]string)
	for _, from := range domain.CallStates {
		for _, to := range domain.CallTransitions[from] {
			sources[to] = append(sources[to], string(from))
		}
	}

	events := make(fsm.Events, 0, len(sources))
	for _, to := range domain.CallStates {
		if src, ok := sources[to]; ok {
			events = append(events, fsm.EventDesc{Name: string(to), Src: src, Dst: string(to)})
		}
	}
	return events
}

// Transition moves the call to target when target is a legal successor of the current state.
func (m *CallStateMachine) Transition(target domain.CallState, opts ...TransitionOption) bool {
	now := m.clock.Now()
	record := domain.TransitionRecord{To: target, Timestamp: now}
	for _, opt := range opts {
		opt(&record)
	}

	m.mu.Lock()
	from := domain.CallState(m.machine.Current())
	record.From = from

	if err := m.machine.Event(context.Background(), string(target)); err != nil {
		invalid := append([]InvalidTransitionObserver(nil), m.onInvalid...)
		m.mu.Unlock()
		m.reportInvalid(invalid, from, target, err.Error())
		return false
	}

	m.previous = from
	m.history = append(m.history, record)
	m.enteredAt = now

	exit := append([]TransitionObserver(nil), m.onExit[from]...)
	change := append([]TransitionObserver(nil), m.onChange...)
	enter := append([]TransitionObserver(nil), m.onEnter[target]...)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debugw("call state changed",
			"call_id", m.callID,
			"from", from,
			"to", target,
			"reason", record.Reason,
		)
	}

	for _, fn := range exit {
		fn(record)
	}
	for _, fn := range change {
		fn(record)
	}
	m.bus.Publish(domain.Event{
		Type:      domain.EventCallStateChanged,
		CallID:    m.callID,
		Timestamp: now,
		Payload: domain.StateChangePayload{
			From:     from,
			To:       target,
			Reason:   record.Reason,
			Metadata: record.Metadata,
		},
	})
	for _, fn := range enter {
		fn(record)
	}
	return true
}

func (m *CallStateMachine) reportInvalid(observers []InvalidTransitionObserver, from, to domain.CallState, reason string) {
	if m.logger != nil {
		m.logger.Warnw("invalid call state transition",
			"call_id", m.callID,
			"from", from,
			"to", to,
			"reason", reason,
		)
	}
	for _, fn := range observers {
		fn(from, to, reason)
	}
	m.bus.Publish(domain.Event{
		Type:   domain.EventInvalidTransition,
		CallID: m.callID,
		Payload: domain.InvalidTransitionPayload{
			From:   from,
			To:     to,
			Reason: reason,
		},
	})
}

func (m *CallStateMachine) OnStateChange(fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnEnter registers fn for transitions into state.
func (m *CallStateMachine) OnEnter(state domain.CallState, fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = append(m.onEnter[state], fn)
}

// OnExit registers fn for transitions out of state.
func (m *CallStateMachine) OnExit(state domain.CallState, fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[state] = append(m.onExit[state], fn)
}

func (m *CallStateMachine) OnInvalidTransition(fn InvalidTransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInvalid = append(m.onInvalid, fn)
}

func (m *CallStateMachine) Current() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CallState(m.machine.Current())
}

func (m *CallStateMachine) Previous() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

func (m *CallStateMachine) CanTransition(target domain.CallState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Can(string(target))
}

// AvailableTransitions lists legal successors in lifecycle order.
func (m *CallStateMachine) AvailableTransitions() []domain.CallState {
	current := m.Current()
	return append([]domain.CallState(nil), domain.CallTransitions[current]...)
}

// IsActive reports whether a call is underway (neither idle nor ended).
func (m *CallStateMachine) IsActive() bool {
	current := m.Current()
	return current != domain.CallStateIdle && current != domain.CallStateEnded
}

// IsInProgress reports whether media is established (connected or held).
func (m *CallStateMachine) IsInProgress() bool {
	current := m.Current()
	return current == domain.CallStateConnected || current == domain.CallStateHeld
}

func (m *CallStateMachine) History() []domain.TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransitionRecord(nil), m.history...)
}

func (m *CallStateMachine) CurrentStateDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.enteredAt)
}

// TotalDuration measures from the latest transition out of idle. Once the
// call has ended the end timestamp replaces now.
func (m *CallStateMachine) TotalDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.endTimeLocked()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].From == domain.CallStateIdle {
			return end.Sub(m.history[i].Timestamp)
		}
	}
	return 0
}

// ConnectedDuration sums every interval spent in connected. Held time and
// reconnect gaps are excluded.
func (m *CallStateMachine) ConnectedDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		total     time.Duration
		since     time.Time
		connected bool
	)
	for _, rec := range m.history {
		if connected && rec.From == domain.CallStateConnected {
			total += rec.Timestamp.Sub(since)
			connected = false
		}
		if rec.To == domain.CallStateConnected {
			since = rec.Timestamp
			connected = true
		}
	}
	if connected {
		total += m.clock.Now().Sub(since)
	}
	return total
}

func (m *CallStateMachine) endTimeLocked() time.Time {
	if domain.CallState(m.machine.Current()) == domain.CallStateEnded && len(m.history) > 0 {
		return m.history[len(m.history)-1].Timestamp
	}
	return m.clock.Now()
}

// Reset returns to the initial state and clears history so the call object can be reused.
func (m *CallStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.machine.SetState(string(m.initial))
	m.previous = ""
	m.history = nil
	m.enteredAt = m.clock.Now()
}
