package services

import (
	"sync"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var pathTo = map[domain.CallState][]domain.CallState{
	domain.CallStateIdle:         {},
	domain.CallStateInitiating:   {domain.CallStateInitiating},
	domain.CallStateRinging:      {domain.CallStateInitiating, domain.CallStateRinging},
	domain.CallStateConnecting:   {domain.CallStateInitiating, domain.CallStateConnecting},
	domain.CallStateConnected:    {domain.CallStateInitiating, domain.CallStateConnecting, domain.CallStateConnected},
	domain.CallStateReconnecting: {domain.CallStateInitiating, domain.CallStateConnecting, domain.CallStateConnected, domain.CallStateReconnecting},
	domain.CallStateHeld:         {domain.CallStateInitiating, domain.CallStateConnecting, domain.CallStateConnected, domain.CallStateHeld},
	domain.CallStateTransferring: {domain.CallStateInitiating, domain.CallStateConnecting, domain.CallStateConnected, domain.CallStateTransferring},
	domain.CallStateEnding:       {domain.CallStateInitiating, domain.CallStateEnding},
	domain.CallStateEnded:        {domain.CallStateInitiating, domain.CallStateEnded},
}

func newTestMachine(t *testing.T) (*CallStateMachine, *clock.Mock, *recordingBus) {
	t.Helper()
	c := clock.NewMock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	bus := &recordingBus{}
	m := NewCallStateMachine("call-1", bus, zaptest.NewLogger(t).Sugar(), WithStateMachineClock(c))
	return m, c, bus
}

func driveTo(t *testing.T, m *CallStateMachine, state domain.CallState) {
	t.Helper()
	for _, step := range pathTo[state] {
		require.True(t, m.Transition(step), "step to %s", step)
	}
	require.Equal(t, state, m.Current())
}

func TestCallStateMachine_IllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	for _, from := range domain.CallStates {
		for _, to := range domain.CallStates {
			if from.CanTransitionTo(to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m, _, bus := newTestMachine(t)
				driveTo(t, m, from)
				historyLen := len(m.History())

				var invalid []domain.CallState
				m.OnInvalidTransition(func(f, target domain.CallState, reason string) {
					invalid = append(invalid, target)
				})

				assert.False(t, m.Transition(to))
				assert.Equal(t, from, m.Current())
				assert.Len(t, m.History(), historyLen)
				assert.Equal(t, []domain.CallState{to}, invalid)
				assert.Len(t, bus.ofType(domain.EventInvalidTransition), 1)
			})
		}
	}
}

func TestCallStateMachine_LegalTransitionsAppendRecord(t *testing.T) {
	for _, from := range domain.CallStates {
		for _, to := range domain.CallTransitions[from] {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m, _, _ := newTestMachine(t)
				driveTo(t, m, from)

				require.True(t, m.Transition(to, WithReason("test")))
				assert.Equal(t, to, m.Current())
				assert.Equal(t, from, m.Previous())

				history := m.History()
				last := history[len(history)-1]
				assert.Equal(t, from, last.From)
				assert.Equal(t, to, last.To)
				assert.Equal(t, "test", last.Reason)
			})
		}
	}
}

func TestCallStateMachine_Observers(t *testing.T) {
	m, _, bus := newTestMachine(t)

	var order []string
	m.OnExit(domain.CallStateIdle, func(r domain.TransitionRecord) { order = append(order, "exit:"+string(r.From)) })
	m.OnStateChange(func(r domain.TransitionRecord) { order = append(order, "change") })
	m.OnEnter(domain.CallStateInitiating, func(r domain.TransitionRecord) { order = append(order, "enter:"+string(r.To)) })
	m.OnEnter(domain.CallStateRinging, func(r domain.TransitionRecord) { order = append(order, "unexpected") })

	require.True(t, m.Transition(domain.CallStateInitiating, WithMetadata(map[string]string{"callee": "bob"})))

	assert.Equal(t, []string{"exit:idle", "change", "enter:initiating"}, order)

	events := bus.ofType(domain.EventCallStateChanged)
	require.Len(t, events, 1)
	payload := events[0].Payload.(domain.StateChangePayload)
	assert.Equal(t, domain.CallStateIdle, payload.From)
	assert.Equal(t, "bob", payload.Metadata["callee"])
	assert.Equal(t, domain.CallID("call-1"), events[0].CallID)
}

func TestCallStateMachine_ObserverMayTransition(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.OnEnter(domain.CallStateEnding, func(domain.TransitionRecord) {
		m.Transition(domain.CallStateEnded)
	})

	require.True(t, m.Transition(domain.CallStateInitiating))
	require.True(t, m.Transition(domain.CallStateEnding))

	assert.Equal(t, domain.CallStateEnded, m.Current())
	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, domain.CallStateEnding, history[2].From)
	assert.Equal(t, domain.CallStateEnded, history[2].To)
}

func TestCallStateMachine_ConnectedDurationExcludesHeld(t *testing.T) {
	m, c, _ := newTestMachine(t)

	m.Transition(domain.CallStateInitiating)
	c.Advance(2 * time.Second)
	m.Transition(domain.CallStateConnecting)
	c.Advance(time.Second)
	m.Transition(domain.CallStateConnected)
	c.Advance(10 * time.Second)
	m.Transition(domain.CallStateHeld)
	c.Advance(30 * time.Second)
	m.Transition(domain.CallStateConnected)
	c.Advance(5 * time.Second)
	m.Transition(domain.CallStateEnding)
	c.Advance(time.Second)
	m.Transition(domain.CallStateEnded)

	assert.Equal(t, 15*time.Second, m.ConnectedDuration())
	assert.Equal(t, 49*time.Second, m.TotalDuration())

	c.Advance(time.Minute)
	assert.Equal(t, 49*time.Second, m.TotalDuration(), "total duration freezes once ended")
	assert.Equal(t, time.Minute, m.CurrentStateDuration())
}

func TestCallStateMachine_ConnectedDurationWhileConnected(t *testing.T) {
	m, c, _ := newTestMachine(t)
	driveTo(t, m, domain.CallStateConnected)

	c.Advance(4 * time.Second)
	assert.Equal(t, 4*time.Second, m.ConnectedDuration())
	assert.Equal(t, 4*time.Second, m.TotalDuration())
	assert.True(t, m.IsInProgress())
}

func TestCallStateMachine_ReconnectScenario(t *testing.T) {
	m, _, _ := newTestMachine(t)

	assert.True(t, m.Transition(domain.CallStateInitiating))
	assert.True(t, m.Transition(domain.CallStateConnecting))
	assert.True(t, m.Transition(domain.CallStateConnected))
	assert.True(t, m.Transition(domain.CallStateReconnecting, WithReason("network lost")))
	assert.True(t, m.Transition(domain.CallStateConnected))
	assert.True(t, m.Transition(domain.CallStateEnding))
	assert.True(t, m.Transition(domain.CallStateEnded))

	assert.Equal(t, domain.CallStateEnded, m.Current())
	assert.False(t, m.IsActive())
	assert.False(t, m.IsInProgress())
	assert.Len(t, m.History(), 7)
}

func TestCallStateMachine_HistoryCountsEveryTransition(t *testing.T) {
	m, _, _ := newTestMachine(t)

	assert.True(t, m.Transition(domain.CallStateInitiating))
	assert.True(t, m.Transition(domain.CallStateConnecting))
	assert.True(t, m.Transition(domain.CallStateConnected))
	assert.True(t, m.Transition(domain.CallStateReconnecting))
	assert.True(t, m.Transition(domain.CallStateConnected))

	assert.Len(t, m.History(), 5)
	assert.True(t, m.IsActive())
}

func TestCallStateMachine_ResetAndReuse(t *testing.T) {
	m, _, _ := newTestMachine(t)
	driveTo(t, m, domain.CallStateEnded)

	m.Reset()
	assert.Equal(t, domain.CallStateIdle, m.Current())
	assert.Empty(t, m.History())
	assert.Equal(t, domain.CallState(""), m.Previous())
	assert.Zero(t, m.TotalDuration())

	assert.True(t, m.Transition(domain.CallStateInitiating))
}

func TestCallStateMachine_EndedToIdle(t *testing.T) {
	m, _, _ := newTestMachine(t)
	driveTo(t, m, domain.CallStateEnded)

	assert.Equal(t, []domain.CallState{domain.CallStateIdle}, m.AvailableTransitions())
	assert.True(t, m.CanTransition(domain.CallStateIdle))
	assert.False(t, m.CanTransition(domain.CallStateConnected))
	assert.True(t, m.Transition(domain.CallStateIdle))
	assert.False(t, m.IsActive())
}

func TestCallStateMachine_CustomInitialState(t *testing.T) {
	m := NewCallStateMachine("c", nil, nil, WithInitialState(domain.CallStateRinging))
	assert.Equal(t, domain.CallStateRinging, m.Current())
	assert.True(t, m.Transition(domain.CallStateConnecting))

	m.Reset()
	assert.Equal(t, domain.CallStateRinging, m.Current())
}

func TestCallStateMachine_ConcurrentTransitions(t *testing.T) {
	m, _, _ := newTestMachine(t)
	driveTo(t, m, domain.CallStateConnected)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Transition(domain.CallStateHeld)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, domain.CallStateHeld, m.Current())
}
