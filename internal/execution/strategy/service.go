package strategy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
)

// LifecycleState is the Strategy Service's own status, distinct from
// the Document's Posture.
type LifecycleState string

const (
	StateActive  LifecycleState = "Active"
	StateInvalid LifecycleState = "Invalid"
	StateExpired LifecycleState = "Expired"
)

// activeStrategy bundles the published pair and a stable ID for
// comparisons and diagnostics.
type activeStrategy struct {
	compiled *Compiled
	state    LifecycleState
}

// Service is the Strategy Service: a debounced polling file watcher
// (poll os.Stat, compare ModTime/Size, wait out the debounce window).
// Its validity-window monitor is exposed as CheckValidity for an
// external scheduler.Job to call on a cron tick. The active
// (document, compiled) pair is published via an atomic.Value so readers
// never block a reload.
type Service struct {
	log                 zerolog.Logger
	path                string
	debounce            time.Duration
	pollEvery           time.Duration
	validityCheckPeriod time.Duration
	bus                 *eventlog.Bus

	active atomic.Value // holds *activeStrategy

	lastModTime time.Time
	lastSize    int64
	lastChange  time.Time
	lastContent []byte

	stop chan struct{}
}

// New constructs a Service watching path.
func New(log zerolog.Logger, path string, debounce, validityCheckPeriod time.Duration, bus *eventlog.Bus) *Service {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if validityCheckPeriod <= 0 {
		validityCheckPeriod = 30 * time.Second
	}
	s := &Service{
		log:                 log.With().Str("component", "strategy_service").Logger(),
		path:                path,
		debounce:            debounce,
		pollEvery:           1 * time.Second,
		validityCheckPeriod: validityCheckPeriod,
		bus:                 bus,
		stop:                make(chan struct{}),
	}
	return s
}

// Active returns the currently published compiled strategy and
// lifecycle state, or nil if none has ever loaded successfully.
func (s *Service) Active() (*Compiled, LifecycleState) {
	v := s.active.Load()
	if v == nil {
		return nil, StateInvalid
	}
	as := v.(*activeStrategy)
	return as.compiled, as.state
}

// Start launches the polling file watcher. The validity-window monitor
// runs separately as a scheduler.Job registered by main.go on an
// "@every" cron schedule, not a goroutine owned by the Service.
func (s *Service) Start() {
	go s.watchLoop()
}

// Stop halts the file watcher.
func (s *Service) Stop() { close(s.stop) }

// Reload forces an immediate read-and-compile of the strategy file,
// bypassing the debounce wait, for the operator-triggered reload
// endpoint.
func (s *Service) Reload() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("forced reload: strategy file unreadable")
		return
	}
	s.lastModTime = info.ModTime()
	s.lastSize = info.Size()
	s.reload()
}

func (s *Service) watchLoop() {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Service) pollOnce() {
	info, err := os.Stat(s.path)
	if err != nil {
		return // unreadable: continue on current strategy
	}

	changed := !info.ModTime().Equal(s.lastModTime) || info.Size() != s.lastSize
	if !changed {
		return
	}
	s.lastModTime = info.ModTime()
	s.lastSize = info.Size()
	s.lastChange = time.Now()

	// Debounce: require the file to be stable for `debounce` before
	// reading, guarding against partial writes.
	time.Sleep(s.debounce)

	info2, err := os.Stat(s.path)
	if err != nil || !info2.ModTime().Equal(s.lastModTime) || info2.Size() != s.lastSize {
		return // still changing; wait for the next stable poll
	}

	s.reload()
}

func (s *Service) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("strategy file unreadable, continuing on current strategy")
		return
	}
	if bytes.Equal(raw, s.lastContent) {
		return
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		s.reject(err)
		return
	}

	id := ContentID(raw)
	compiled, err := Compile(doc, id, time.Now().UTC())
	if err != nil {
		s.reject(err)
		return
	}

	prev := s.active.Load()
	swapped := prev != nil
	s.active.Store(&activeStrategy{compiled: compiled, state: StateActive})
	s.lastContent = raw

	s.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventStrategyLoaded, Data: map[string]string{"id": id}})
	if swapped {
		s.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventStrategySwapped, Data: map[string]string{"id": id}})
	}
}

func (s *Service) reject(err error) {
	s.log.Warn().Err(err).Msg("strategy rejected")
	s.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventStrategyRejected, Data: map[string]string{"error": err.Error()}})
	if s.active.Load() == nil {
		s.active.Store(&activeStrategy{state: StateInvalid})
	}
}

// CheckValidity marks the active strategy Expired if it has passed its
// validity window. Called by the scheduler.Job main.go registers on the
// "@every <validityCheckPeriod>" schedule.
func (s *Service) CheckValidity() {
	v := s.active.Load()
	if v == nil {
		return
	}
	as := v.(*activeStrategy)
	if as.compiled == nil || as.state == StateExpired {
		return
	}
	if time.Now().UTC().After(as.compiled.Document.ValidityWindow) {
		s.active.Store(&activeStrategy{compiled: as.compiled, state: StateExpired})
		s.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventStrategyExpired, Data: map[string]string{"id": as.compiled.ID}})
	}
}

// ContentID computes id = SHA256(normalized content).
// Normalization here means the JSON round-trips through a canonical
// marshal so byte-for-byte-equivalent documents with different
// whitespace hash identically.
func ContentID(raw []byte) string {
	var v interface{}
	normalized := raw
	if err := json.Unmarshal(raw, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			normalized = canon
		}
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}
