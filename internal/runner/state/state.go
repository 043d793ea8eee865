// Package state implements the Agent Runner's persisted Loop State
// Machine. Transitions are guarded by the permitted-arrow table and
// persisted atomically alongside cycle context through
// internal/platform/atomicio.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
)

// LoopState is one of the learning loop's nine states.
type LoopState string

const (
	Idle                LoopState = "Idle"
	Evaluate            LoopState = "Evaluate"
	Plan                LoopState = "Plan"
	Research            LoopState = "Research"
	Analyze             LoopState = "Analyze"
	Synthesize          LoopState = "Synthesize"
	WaitingForNextCycle LoopState = "WaitingForNextCycle"
	Paused              LoopState = "Paused"
	Failed              LoopState = "Failed"
)

// HistoryChecker reports whether prior strategy.json and evaluation.md
// artifacts exist, the "history present" guard used by Idle and
// WaitingForNextCycle transitions.
type HistoryChecker interface {
	HistoryPresent() bool
}

// CycleContext is the persisted payload alongside LoopState: enough to
// resume a cycle after a crash without replaying completed steps.
type CycleContext struct {
	CycleID      string    `json:"cycleId"`
	StartedAt    time.Time `json:"startedAt"`
	RestartCount int       `json:"restartCount"`
	RetryCount   int       `json:"retryCount"`
	PausedFrom   LoopState `json:"pausedFrom,omitempty"`
}

type persisted struct {
	State   LoopState    `json:"state"`
	Context CycleContext `json:"cycleContext"`
}

// Machine is the guarded, persisted Loop State Machine. All mutation
// goes through Transition, which validates the arrow, emits an event,
// then persists atomically — in that order, so the event always
// precedes its effect (here the persisted file write itself).
type Machine struct {
	mu      sync.Mutex
	path    string
	bus     *eventlog.Bus
	state   LoopState
	ctx     CycleContext
	checker HistoryChecker
}

// New constructs a Machine, loading persisted state from path if present
// or starting at Idle with a fresh CycleContext otherwise. A corrupt
// state file is treated as missing; the caller logs a warning via the
// returned warnRecovered flag.
func New(path string, bus *eventlog.Bus, checker HistoryChecker) (m *Machine, warnRecovered bool) {
	m = &Machine{path: path, bus: bus, checker: checker, state: Idle}
	raw, err := atomicio.ReadFile(path)
	if err != nil {
		return m, false
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil || p.State == "" {
		return m, true
	}
	m.state = p.State
	m.ctx = p.Context
	return m, false
}

// Current returns the current state and cycle context.
func (m *Machine) Current() (LoopState, CycleContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.ctx
}

// Plan/Research/Analyze -> WaitingForNextCycle is the forced cycle
// timeout's jump past the remaining steps.
var permitted = map[LoopState]map[LoopState]bool{
	Idle:                {Plan: true, Evaluate: true},
	Evaluate:            {Plan: true},
	Plan:                {Research: true, WaitingForNextCycle: true},
	Research:            {Analyze: true, WaitingForNextCycle: true},
	Analyze:             {Synthesize: true, WaitingForNextCycle: true},
	Synthesize:          {WaitingForNextCycle: true},
	WaitingForNextCycle: {Evaluate: true, Plan: true},
	Paused:              {}, // left empty: Resume, not Transition, leaves Paused
	Failed:              {Plan: true},
}

// Transition validates that the arrow from the current state to next is
// permitted,
// applies mutate to the cycle context, emits a state_transition event,
// and persists the result atomically. Pause/Fail/Resume use the
// dedicated helpers below instead, since their arrows are "any state".
func (m *Machine) Transition(next LoopState, mutate func(*CycleContext)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next != Paused && next != Failed {
		allowed, ok := permitted[m.state]
		if !ok || !allowed[next] {
			return fmt.Errorf("state: transition %s -> %s not permitted", m.state, next)
		}
	}

	from := m.state
	m.state = next
	if mutate != nil {
		mutate(&m.ctx)
	}
	return m.commit(from, next)
}

// Pause transitions from any non-terminal state to Paused, remembering
// the state to resume into.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Paused || m.state == Failed {
		return fmt.Errorf("state: cannot pause from %s", m.state)
	}
	from := m.state
	m.ctx.PausedFrom = m.state
	m.state = Paused
	return m.commit(from, Paused)
}

// Resume transitions from Paused back to the remembered pre-pause state.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Paused {
		return fmt.Errorf("state: cannot resume from %s", m.state)
	}
	from := m.state
	m.state = m.ctx.PausedFrom
	m.ctx.PausedFrom = ""
	return m.commit(from, m.state)
}

// Fail transitions from any state to Failed on retry exhaustion or a
// critical fault.
func (m *Machine) Fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	m.state = Failed
	return m.commit(from, Failed)
}

// NextAfterIdleOrWait resolves the history-guarded branch used by both
// Idle and WaitingForNextCycle ("Evaluate if history present, else Plan").
func (m *Machine) NextAfterIdleOrWait() LoopState {
	if m.checker != nil && m.checker.HistoryPresent() {
		return Evaluate
	}
	return Plan
}

func (m *Machine) commit(from, to LoopState) error {
	if m.bus != nil {
		m.bus.Publish(eventlog.Event{
			Timestamp: time.Now().UTC(),
			EventType: eventlog.EventStateTransition,
			Data:      map[string]string{"from": string(from), "to": string(to)},
		})
	}
	raw, err := json.Marshal(persisted{State: m.state, Context: m.ctx})
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if err := atomicio.WriteFile(m.path, raw, 0o644); err != nil {
		return fmt.Errorf("state: persist: %w", err)
	}
	return nil
}
