// Package orchestrator wires the Context Builder, Agent Invoker, Tool
// Executor, Artifact Store, and Mailbox System into the single
// cycle.StepRunner/cycle.Validator/state.HistoryChecker surface the
// Cycle Controller depends on: a plain struct holding its
// collaborators, one method per capability interface.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cryptonhq/crypton/internal/runner/artifacts"
	runnercontext "github.com/cryptonhq/crypton/internal/runner/context"
	"github.com/cryptonhq/crypton/internal/runner/invoker"
	"github.com/cryptonhq/crypton/internal/runner/mailbox"
	"github.com/cryptonhq/crypton/internal/runner/state"
	"github.com/rs/zerolog"
)

// stepMeta describes everything orchestrator needs to run one learning-
// loop step, keyed by state.LoopState.
type stepMeta struct {
	ctxStep        runnercontext.StepName
	agentIdentity  string
	artifactName   artifacts.Name
	mailboxAgent   string
	inputArtifacts []artifacts.Name
	outputTemplate string
}

var steps = map[state.LoopState]stepMeta{
	state.Evaluate: {
		ctxStep:        runnercontext.StepEvaluation,
		agentIdentity:  "Evaluation",
		artifactName:   artifacts.Evaluation,
		mailboxAgent:   mailbox.AgentEvaluation,
		inputArtifacts: []artifacts.Name{artifacts.Strategy},
		outputTemplate: "Write a short performance review of the last cycle's strategy, then wrap your full evaluation in <artifact>...</artifact>. Route feedback to each upstream agent inside a <broadcast>...</broadcast> block.",
	},
	state.Plan: {
		ctxStep:        runnercontext.StepPlan,
		agentIdentity:  "Plan",
		artifactName:   artifacts.Plan,
		mailboxAgent:   mailbox.AgentPlan,
		outputTemplate: "Write this cycle's research plan, then wrap it in <artifact>...</artifact>. Route it to Research inside a <mailbox_to_research>...</mailbox_to_research> block.",
	},
	state.Research: {
		ctxStep:        runnercontext.StepResearch,
		agentIdentity:  "Research",
		artifactName:   artifacts.Research,
		mailboxAgent:   mailbox.AgentResearch,
		inputArtifacts: []artifacts.Name{artifacts.Plan},
		outputTemplate: "Write your research findings, then wrap them in <artifact>...</artifact>. Route them to Analyze inside a <mailbox_to_analyze>...</mailbox_to_analyze> block, and any feedback to Plan inside <feedback>...</feedback>.",
	},
	state.Analyze: {
		ctxStep:        runnercontext.StepAnalyze,
		agentIdentity:  "Analyze",
		artifactName:   artifacts.Analysis,
		mailboxAgent:   mailbox.AgentAnalyze,
		inputArtifacts: []artifacts.Name{artifacts.Research},
		outputTemplate: "Write your analysis, then wrap it in <artifact>...</artifact>. Route it to Synthesize inside a <mailbox_to_synthesize>...</mailbox_to_synthesize> block, and any feedback to Research inside <feedback>...</feedback>.",
	},
	state.Synthesize: {
		ctxStep:        runnercontext.StepSynthesize,
		agentIdentity:  "Synthesize",
		artifactName:   artifacts.Strategy,
		mailboxAgent:   mailbox.AgentSynthesize,
		inputArtifacts: []artifacts.Name{artifacts.Analysis},
		outputTemplate: "Emit the complete strategy.json document described in your tool guide as raw JSON wrapped in <artifact>...</artifact>. Route a short rationale to Evaluation inside a <mailbox_to_evaluation>...</mailbox_to_evaluation> block, and any feedback to Analyze inside <feedback>...</feedback>.",
	},
}

var artifactTag = regexp.MustCompile(`(?s)<artifact>\s*(.*?)\s*</artifact>`)

// ToolGuide is included verbatim in every step's system context.
const ToolGuide = `- read_artifact(cycleId, name): read a previously written artifact.
- read_memory(agent): read an agent's persisted memory.md.
- append_memory(agent, text): append a line to an agent's memory.md.
- get_execution_status(): fetch the Execution Service's current status.
- get_positions(): fetch the Execution Service's currently open positions.
`

// Runner implements cycle.StepRunner, cycle.Validator, and
// state.HistoryChecker over one shared set of collaborators.
type Runner struct {
	log       zerolog.Logger
	builder   *runnercontext.Builder
	invoker   *invoker.Invoker
	store     *artifacts.Store
	mailboxes *mailbox.System
}

// New constructs a Runner.
func New(log zerolog.Logger, builder *runnercontext.Builder, inv *invoker.Invoker, store *artifacts.Store, mailboxes *mailbox.System) *Runner {
	return &Runner{
		log:       log.With().Str("component", "orchestrator").Logger(),
		builder:   builder,
		invoker:   inv,
		store:     store,
		mailboxes: mailboxes,
	}
}

// RunStep implements cycle.StepRunner.
func (r *Runner) RunStep(ctx context.Context, step state.LoopState, cycleID string) (string, error) {
	meta, ok := steps[step]
	if !ok {
		return "", fmt.Errorf("orchestrator: no step metadata for %s", step)
	}

	agentMemory, err := r.store.ReadAgentMemory(meta.mailboxAgent)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read agent memory: %w", err)
	}
	sharedMemory, err := r.store.ReadSharedMemory()
	if err != nil {
		return "", fmt.Errorf("orchestrator: read shared memory: %w", err)
	}

	var inputs []runnercontext.InputArtifact
	for _, name := range meta.inputArtifacts {
		content, err := r.store.Read(cycleID, name)
		if err != nil {
			// Upstream artifact missing mid-cycle is a genuine failure:
			// the fixed step order guarantees it should already exist.
			return "", fmt.Errorf("orchestrator: read input artifact %s: %w", name, err)
		}
		inputs = append(inputs, runnercontext.InputArtifact{Name: string(name), Content: string(content)})
	}

	req := runnercontext.Request{
		Step:            meta.ctxStep,
		AgentIdentity:   meta.agentIdentity,
		ToolGuide:       runnercontext.ToolGuide(ToolGuide),
		MailboxSnapshot: r.mailboxes.Snapshot(meta.mailboxAgent),
		AgentMemory:     agentMemory,
		SharedMemory:    sharedMemory,
		InputArtifacts:  inputs,
		OutputTemplate:  meta.outputTemplate,
	}

	systemCtx := r.builder.BuildSystemContext(req)
	taskCtx := r.builder.BuildTaskContext(req)

	outcome, err := r.invoker.Run(ctx, systemCtx, taskCtx, nil)
	if err != nil {
		return "", fmt.Errorf("orchestrator: invoker run: %w", err)
	}
	if outcome.Truncated {
		r.log.Warn().Str("step", string(step)).Int("iterations", outcome.Iterations).Msg("step truncated at iteration cap")
	}

	content := extractArtifact(outcome.FinalText)
	if err := r.store.Write(cycleID, meta.artifactName, []byte(content)); err != nil {
		return "", fmt.Errorf("orchestrator: write artifact: %w", err)
	}

	return outcome.FinalText, nil
}

func extractArtifact(text string) string {
	if m := artifactTag.FindStringSubmatch(text); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// Validate implements cycle.Validator: every step's artifact must exist
// and be non-empty; Synthesize's strategy.json must additionally parse
// and pass strategy document validation, so a malformed strategy never
// reaches the Execution Service.
func (r *Runner) Validate(step state.LoopState, cycleID string) error {
	meta, ok := steps[step]
	if !ok {
		return fmt.Errorf("orchestrator: no step metadata for %s", step)
	}
	raw, err := r.store.Read(cycleID, meta.artifactName)
	if err != nil {
		return fmt.Errorf("artifact unreadable: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return fmt.Errorf("artifact is empty")
	}
	if step == state.Synthesize {
		return validateStrategyArtifact(raw)
	}
	return nil
}

// HistoryPresent implements state.HistoryChecker.
func (r *Runner) HistoryPresent() bool {
	if _, _, err := r.store.MostRecentValid(artifacts.Strategy); err != nil {
		return false
	}
	if _, _, err := r.store.MostRecentValid(artifacts.Evaluation); err != nil {
		return false
	}
	return true
}

// RecordMemory appends a timestamped note to an agent's memory file,
// giving the next cycle's run continuity beyond the bounded mailbox.
// main.go's step-completed subscriber calls this rather than RunStep
// itself, since memory should only grow on confirmed success, after
// validation.
func RecordMemory(store *artifacts.Store, agent, note string, now time.Time) error {
	return store.AppendAgentMemory(agent, fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note))
}

// MailboxAgentForStep exposes the step->agent mapping for main.go's
// memory-recording subscriber.
func MailboxAgentForStep(step state.LoopState) (string, bool) {
	meta, ok := steps[step]
	return meta.mailboxAgent, ok
}
