// Package cycle implements the Agent Runner's Cycle Controller: the
// driver that picks the next state, enforces per-step timeouts, retries
// with exponential backoff, archives artifacts, and honors operator
// overrides. The run loop is a goroutine guarded by a mutex-protected
// started flag.
package cycle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"encoding/json"
	"github.com/cryptonhq/crypton/internal/platform/atomicio"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/cryptonhq/crypton/internal/runner/artifacts"
	"github.com/cryptonhq/crypton/internal/runner/mailbox"
	"github.com/cryptonhq/crypton/internal/runner/state"
	"github.com/rs/zerolog"
)

// Outcome is a StepRecord's terminal classification.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
	OutcomeTimeout Outcome = "Timeout"
)

// StepRecord tracks one step's execution within a cycle.
type StepRecord struct {
	Step         string     `json:"step"`
	Start        time.Time  `json:"start"`
	End          *time.Time `json:"end,omitempty"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// Record is one learning cycle's bookkeeping: step outcomes, current
// state, restart count, and pause flag.
type Record struct {
	CycleID      string                 `json:"cycleId"`
	StartedAt    time.Time              `json:"startedAt"`
	StepRecords  map[string]*StepRecord `json:"stepRecords"`
	CurrentState state.LoopState        `json:"currentState"`
	RestartCount int                    `json:"restartCount"`
	Paused       bool                   `json:"paused"`
}

// StepRunner executes one learning-loop step and returns its raw LLM
// output (used for mailbox tag extraction) plus any error. Validation
// of the resulting artifact is the caller's (Controller's) job.
type StepRunner interface {
	RunStep(ctx context.Context, step state.LoopState, cycleID string) (rawOutput string, err error)
}

// Validator checks a just-produced artifact against its schema.
// Schema-validation failures are non-retryable.
type Validator interface {
	Validate(step state.LoopState, cycleID string) error
}

// Config tunes the Controller's timing.
type Config struct {
	StepTimeout       time.Duration
	MaxCycleDuration  time.Duration
	RetryMax          int
	BackoffCapMinutes int
	CycleInterval     time.Duration // how often a new cycle starts, re-read every tick
	TickInterval      time.Duration // <= 30s
}

// stepOrder is the fixed Plan->Research->Analyze->Synthesize sequence
// walked once a cycle has started (Evaluate precedes Plan on the
// history-present branch but is not itself part of this sequence).
var stepOrder = []state.LoopState{state.Plan, state.Research, state.Analyze, state.Synthesize}

var stepAgentName = map[state.LoopState]string{
	state.Plan:       mailbox.AgentPlan,
	state.Research:   mailbox.AgentResearch,
	state.Analyze:    mailbox.AgentAnalyze,
	state.Synthesize: mailbox.AgentSynthesize,
}

var stepArtifact = map[state.LoopState]artifacts.Name{
	state.Plan:       artifacts.Plan,
	state.Research:   artifacts.Research,
	state.Analyze:    artifacts.Analysis,
	state.Synthesize: artifacts.Strategy,
}

// Controller drives the loop state machine to completion, cycle after
// cycle, until Stop is called.
type Controller struct {
	log       zerolog.Logger
	machine   *state.Machine
	runner    StepRunner
	validator Validator
	store     *artifacts.Store
	mailboxes *mailbox.System
	bus       *eventlog.Bus
	cfg       Config
	recordDir string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	record *Record

	cfgMu         sync.RWMutex
	cycleInterval time.Duration
}

// New constructs a Controller. recordDir is where the CycleRecord JSON
// is persisted (separate from state.Machine's own runner.json, which
// only tracks LoopState + the minimal CycleContext needed to resume).
func New(log zerolog.Logger, machine *state.Machine, runner StepRunner, validator Validator, store *artifacts.Store, mailboxes *mailbox.System, bus *eventlog.Bus, recordDir string, cfg Config) *Controller {
	if cfg.TickInterval <= 0 || cfg.TickInterval > 30*time.Second {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 4
	}
	if cfg.BackoffCapMinutes <= 0 {
		cfg.BackoffCapMinutes = 60
	}
	return &Controller{
		log:           log.With().Str("component", "cycle_controller").Logger(),
		machine:       machine,
		runner:        runner,
		validator:     validator,
		store:         store,
		mailboxes:     mailboxes,
		bus:           bus,
		cfg:           cfg,
		recordDir:     recordDir,
		cycleInterval: cfg.CycleInterval,
	}
}

// CycleInterval implements api.ConfigStore.
func (c *Controller) CycleInterval() time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cycleInterval
}

// SetCycleInterval implements api.ConfigStore: the new interval takes
// effect on the controller's next tick.
func (c *Controller) SetCycleInterval(d time.Duration) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cycleInterval = d
}

// Pause implements api.Overrider.
func (c *Controller) Pause() error { return c.machine.Pause() }

// Resume implements api.Overrider.
func (c *Controller) Resume() error { return c.machine.Resume() }

// Abort implements api.Overrider: it forces the state machine to Failed,
// abandoning the current cycle. An operator must explicitly transition
// back out via the Failed->Plan arrow (a fresh cycle start).
func (c *Controller) Abort() error { return c.machine.Fail() }

// ForceCycle implements api.Overrider: while waiting between cycles it
// makes the next tick start immediately instead of waiting out the
// remainder of CycleInterval; from Failed it starts a fresh cycle at
// Plan. Any other state is rejected.
func (c *Controller) ForceCycle() error {
	cur, _ := c.machine.Current()
	if cur == state.Failed {
		return c.machine.Transition(state.Plan, c.startNewCycle)
	}
	if cur != state.WaitingForNextCycle {
		return fmt.Errorf("cycle: force-cycle only valid while waiting or failed, current state is %s", cur)
	}
	c.mu.Lock()
	if c.record != nil {
		c.record.StartedAt = time.Time{}
	}
	c.mu.Unlock()
	return nil
}

// Inject implements api.Overrider: it delivers an operator-authored
// message directly into agent's mailbox, surfaced to that agent on its
// next step the same way a forward/feedback message would be.
func (c *Controller) Inject(agent, message string) error {
	if c.mailboxes == nil {
		return fmt.Errorf("cycle: mailbox system not configured")
	}
	c.mailboxes.Deliver(mailbox.Message{From: "operator", To: agent, Content: message, Timestamp: time.Now().UTC(), Kind: mailbox.Operator})
	return nil
}

// Start launches the controller's loop goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		cur, cycleCtx := c.machine.Current()
		switch cur {
		case state.Paused:
			c.waitTick(ctx, ticker)
			continue
		case state.Failed:
			c.waitTick(ctx, ticker)
			continue
		case state.WaitingForNextCycle:
			if !c.waitedLongEnough(cycleCtx) {
				c.waitTick(ctx, ticker)
				continue
			}
			next := c.machine.NextAfterIdleOrWait()
			if err := c.machine.Transition(next, c.startNewCycle); err != nil {
				c.log.Error().Err(err).Msg("transition out of WaitingForNextCycle failed")
			}
		case state.Idle:
			next := c.machine.NextAfterIdleOrWait()
			if err := c.machine.Transition(next, c.startNewCycle); err != nil {
				c.log.Error().Err(err).Msg("transition out of Idle failed")
			}
		case state.Evaluate:
			c.runEvaluateThenPlan(ctx)
		default:
			c.runCycleSteps(ctx)
		}
	}
}

func (c *Controller) waitTick(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-ticker.C:
	}
}

// waitedLongEnough re-reads CycleInterval every tick so live config
// updates take effect within one tick.
func (c *Controller) waitedLongEnough(cycleCtx state.CycleContext) bool {
	if c.record == nil {
		return true
	}
	elapsed := time.Since(c.record.StartedAt)
	return elapsed >= c.CycleInterval()
}

func (c *Controller) startNewCycle(ctx *state.CycleContext) {
	now := time.Now().UTC()
	ctx.CycleID = artifacts.NewCycleID(now)
	ctx.StartedAt = now
	ctx.RetryCount = 0
	c.record = &Record{
		CycleID:     ctx.CycleID,
		StartedAt:   now,
		StepRecords: make(map[string]*StepRecord),
	}
	c.bus.Publish(eventlog.Event{Timestamp: now, EventType: eventlog.EventCycleStarted, Data: map[string]string{"cycleId": ctx.CycleID}})
}

// runEvaluateThenPlan runs the one-off Evaluate step (treated as a
// virtual step ahead of the fixed Plan->Synthesize sequence) before
// falling through to the ordinary per-step driver.
func (c *Controller) runEvaluateThenPlan(ctx context.Context) {
	cycleID := c.currentCycleID()
	ok := c.runOneStep(ctx, state.Evaluate, cycleID, artifacts.Evaluation, mailbox.AgentEvaluation)
	if !ok {
		return
	}
	if err := c.machine.Transition(state.Plan, nil); err != nil {
		c.log.Error().Err(err).Msg("evaluate -> plan transition failed")
	}
}

// runCycleSteps drives exactly one step of the fixed Plan->Synthesize
// sequence per loop iteration, advancing the state machine on success.
func (c *Controller) runCycleSteps(ctx context.Context) {
	cur, _ := c.machine.Current()
	cycleID := c.currentCycleID()

	idx := indexOf(cur)
	if idx < 0 {
		return
	}
	name := stepAgentName[cur]
	artifactName := stepArtifact[cur]

	if !c.enforceForcedTimeout(cur) {
		return
	}

	ok := c.runOneStep(ctx, cur, cycleID, artifactName, name)
	if !ok {
		return
	}

	if idx == len(stepOrder)-1 {
		if err := c.machine.Transition(state.WaitingForNextCycle, nil); err != nil {
			c.log.Error().Err(err).Msg("synthesize -> waiting transition failed")
			return
		}
		if err := c.store.Archive(cycleID); err != nil {
			c.log.Warn().Err(err).Msg("failed to archive completed cycle")
		}
		c.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventCycleCompleted, Data: map[string]string{"cycleId": cycleID}})
		return
	}

	next := stepOrder[idx+1]
	if err := c.machine.Transition(next, nil); err != nil {
		c.log.Error().Err(err).Msg("step transition failed")
	}
}

func indexOf(s state.LoopState) int {
	for i, st := range stepOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (c *Controller) currentCycleID() string {
	_, ctx := c.machine.Current()
	return ctx.CycleID
}

// enforceForcedTimeout implements the forced cycle timeout:
// if the cycle has exceeded MaxCycleDuration, skip straight to
// Synthesize->WaitingForNextCycle and emit an event.
func (c *Controller) enforceForcedTimeout(cur state.LoopState) bool {
	if c.record == nil || c.cfg.MaxCycleDuration <= 0 {
		return true
	}
	if time.Since(c.record.StartedAt) < c.cfg.MaxCycleDuration {
		return true
	}
	if err := c.machine.Transition(state.WaitingForNextCycle, nil); err != nil {
		c.log.Error().Err(err).Msg("forced timeout transition failed")
		return false
	}
	c.bus.Publish(eventlog.Event{
		Timestamp: time.Now().UTC(),
		EventType: eventlog.EventCycleForceSkipped,
		Data:      map[string]string{"cycleId": c.currentCycleID(), "from": string(cur)},
	})
	return false
}

// runOneStep executes a single step with timeout and retry/backoff,
// returning true if it succeeded (artifact validated and, when
// agentName != "", mailbox-routed).
func (c *Controller) runOneStep(ctx context.Context, step state.LoopState, cycleID string, artifactName artifacts.Name, agentName string) bool {
	rec := c.stepRecordFor(step)
	rec.Start = time.Now().UTC()
	c.persistRecord()

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	rawOutput, err := c.runner.RunStep(stepCtx, step, cycleID)
	end := time.Now().UTC()

	if err != nil {
		rec.End = &end
		rec.Outcome = classifyFailure(stepCtx)
		rec.ErrorMessage = err.Error()
		return c.handleStepFailure(ctx, step, rec)
	}

	if err := c.validator.Validate(step, cycleID); err != nil {
		rec.End = &end
		rec.Outcome = OutcomeFailed
		rec.ErrorMessage = "validation: " + err.Error()
		c.persistRecord()
		c.bus.Publish(eventlog.Event{Timestamp: end, EventType: eventlog.EventStepFailed, Data: map[string]string{"step": string(step), "reason": "validation"}})
		if err := c.machine.Fail(); err != nil {
			c.log.Error().Err(err).Msg("transition to Failed after validation failure errored")
		}
		return false
	}

	rec.End = &end
	rec.Outcome = OutcomeSuccess
	c.persistRecord()
	c.bus.Publish(eventlog.Event{Timestamp: end, EventType: eventlog.EventStepCompleted, Data: map[string]string{"step": string(step), "cycleId": cycleID}})

	if agentName != "" && c.mailboxes != nil {
		c.mailboxes.RouteStepOutput(agentName, rawOutput, end)
	}
	return true
}

func classifyFailure(ctx context.Context) Outcome {
	if ctx.Err() == context.DeadlineExceeded {
		return OutcomeTimeout
	}
	return OutcomeFailed
}

// handleStepFailure applies the retry policy:
// retryable kinds back off exponentially; exhausted retries fail the
// cycle. The backoff wait aborts immediately on shutdown so Stop never
// blocks behind a pending retry.
func (c *Controller) handleStepFailure(ctx context.Context, step state.LoopState, rec *StepRecord) bool {
	c.persistRecord()
	c.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventStepFailed, Data: map[string]string{"step": string(step), "reason": string(rec.Outcome)}})

	rec.RetryCount++
	if rec.RetryCount > c.cfg.RetryMax {
		if err := c.machine.Fail(); err != nil {
			c.log.Error().Err(err).Msg("transition to Failed after retry exhaustion errored")
		}
		return false
	}

	backoff := backoffDuration(rec.RetryCount, c.cfg.BackoffCapMinutes)
	c.log.Warn().Str("step", string(step)).Int("retry", rec.RetryCount).Dur("backoff", backoff).Msg("step failed, backing off before retry")
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.stop:
	}
	return false
}

// backoffDuration computes 5·2^retry minutes, capped at the configured
// max.
func backoffDuration(retry, capMinutes int) time.Duration {
	minutes := 5 * math.Pow(2, float64(retry))
	if minutes > float64(capMinutes) {
		minutes = float64(capMinutes)
	}
	return time.Duration(minutes * float64(time.Minute))
}

func (c *Controller) stepRecordFor(step state.LoopState) *StepRecord {
	if c.record == nil {
		c.record = &Record{StepRecords: make(map[string]*StepRecord)}
	}
	rec, ok := c.record.StepRecords[string(step)]
	if !ok {
		rec = &StepRecord{Step: string(step)}
		c.record.StepRecords[string(step)] = rec
	}
	return rec
}

func (c *Controller) persistRecord() {
	if c.record == nil || c.recordDir == "" {
		return
	}
	cur, _ := c.machine.Current()
	c.record.CurrentState = cur
	raw, err := json.Marshal(c.record)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal cycle record failed")
		return
	}
	path := fmt.Sprintf("%s/%s.json", c.recordDir, c.record.CycleID)
	if err := atomicio.WriteFile(path, raw, 0o644); err != nil {
		c.log.Error().Err(err).Msg("persist cycle record failed")
	}
}
