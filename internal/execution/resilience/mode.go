// Package resilience implements Safe Mode, the Failure Tracker, the
// Dead-Man's Switch, and post-restart reconciliation — together the
// Execution Service's protective operation-mode machinery.
package resilience

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
)

type modeFile struct {
	Mode domain.Mode `json:"mode"`
}

// ModeStore persists and serves operation_mode.json. Mode transitions
// require explicit operator action.
type ModeStore struct {
	mu   sync.RWMutex
	path string
	mode domain.Mode
}

// NewModeStore loads persisted mode from path, defaulting to paper.
func NewModeStore(path string) *ModeStore {
	s := &ModeStore{path: path, mode: domain.ModePaper}
	if raw, err := atomicio.ReadFile(path); err == nil {
		var mf modeFile
		if json.Unmarshal(raw, &mf) == nil && mf.Mode != "" {
			s.mode = mf.Mode
		}
	}
	return s
}

// Current returns the active mode.
func (s *ModeStore) Current() domain.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// PromoteToLive switches to live mode under explicit operator action.
func (s *ModeStore) PromoteToLive() error { return s.set(domain.ModeLive) }

// DemoteToPaper switches back to paper mode under explicit operator action.
func (s *ModeStore) DemoteToPaper() error { return s.set(domain.ModePaper) }

func (s *ModeStore) set(m domain.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	raw, err := json.Marshal(modeFile{Mode: m})
	if err != nil {
		return err
	}
	return atomicio.WriteFile(s.path, raw, 0o644)
}

// SafeModeState is the persisted safe-mode record.
type SafeModeState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// PositionCloser closes every open position at market, used by Safe
// Mode activation.
type PositionCloser interface {
	CloseAllAtMarket()
}

// SafeMode persists activation state across restarts and drives the
// close-all-positions side effect on activation.
type SafeMode struct {
	log    zerolog.Logger
	path   string
	bus    *eventlog.Bus
	closer PositionCloser

	mu    sync.RWMutex
	state SafeModeState
}

// NewSafeMode loads any persisted safe-mode state from path.
func NewSafeMode(log zerolog.Logger, path string, bus *eventlog.Bus, closer PositionCloser) *SafeMode {
	sm := &SafeMode{log: log.With().Str("component", "safe_mode").Logger(), path: path, bus: bus, closer: closer}
	if raw, err := atomicio.ReadFile(path); err == nil {
		var st SafeModeState
		if json.Unmarshal(raw, &st) == nil {
			sm.state = st
		}
	}
	return sm
}

// SetCloser wires the position closer after construction, letting
// main.go build SafeMode before the Order Router that depends on the
// Failure Tracker that in turn depends on SafeMode.
func (sm *SafeMode) SetCloser(closer PositionCloser) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closer = closer
}

// Active reports whether Safe Mode is currently active.
func (sm *SafeMode) Active() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Active
}

// State returns a copy of the persisted safe-mode record.
func (sm *SafeMode) State() SafeModeState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Activate runs the activation sequence: persist,
// close all positions, emit the event. It is idempotent — re-activating
// while already active for a different reason updates the reason but
// does not re-dispatch closes.
func (sm *SafeMode) Activate(reason string) {
	sm.mu.Lock()
	alreadyActive := sm.state.Active
	sm.state = SafeModeState{Active: true, Reason: reason, TriggeredAt: time.Now().UTC()}
	state := sm.state
	sm.mu.Unlock()

	if err := sm.persist(state); err != nil {
		sm.log.Error().Err(err).Msg("persist safe mode state failed")
	}
	if alreadyActive {
		return
	}

	sm.mu.RLock()
	closer := sm.closer
	sm.mu.RUnlock()
	if closer != nil {
		closer.CloseAllAtMarket()
	}
	sm.bus.Publish(eventlog.Event{Timestamp: state.TriggeredAt, EventType: eventlog.EventSafeModeActivated, Data: map[string]string{"reason": reason}})
}

// Deactivate clears Safe Mode under explicit operator action.
func (sm *SafeMode) Deactivate() error {
	sm.mu.Lock()
	sm.state = SafeModeState{}
	state := sm.state
	sm.mu.Unlock()
	if err := sm.persist(state); err != nil {
		return err
	}
	sm.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventSafeModeDeactivated})
	return nil
}

func (sm *SafeMode) persist(state SafeModeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(sm.path, raw, 0o644)
}
