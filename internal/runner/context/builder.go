// Package context implements the Agent Runner's Context Builder:
// per-step system and task context strings assembled from identity,
// mailbox snapshot, memory, prior artifacts, and an output template,
// terminated by an explicit "BEGIN" marker.
package context

import (
	"fmt"
	"strings"

	"github.com/cryptonhq/crypton/internal/runner/mailbox"
)

// StepName identifies one of the five learning-loop steps.
type StepName string

const (
	StepPlan       StepName = "plan"
	StepResearch   StepName = "research"
	StepAnalyze    StepName = "analyze"
	StepSynthesize StepName = "synthesize"
	StepEvaluation StepName = "evaluation"
)

// ToolGuide is the static tool documentation block included in every
// step's system context.
type ToolGuide string

// InputArtifact names a prior artifact this step requires, paired with
// its content.
type InputArtifact struct {
	Name    string
	Content string
}

// Request carries everything the Context Builder needs for one step.
type Request struct {
	Step              StepName
	AgentIdentity     string
	ToolGuide         ToolGuide
	MailboxSnapshot   []mailbox.Message
	AgentMemory       string
	SharedMemory      string
	RecentEvaluations []string
	InputArtifacts    []InputArtifact
	OutputTemplate    string
}

// Builder assembles stable system context and per-step task context.
type Builder struct{}

// New constructs a Builder. It holds no state; all inputs arrive via
// Request so the same Builder serves every step concurrently.
func New() *Builder { return &Builder{} }

// BuildSystemContext returns the stable identity + tool reference block.
func (b *Builder) BuildSystemContext(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s agent in Crypton's learning loop.\n\n", req.AgentIdentity)
	sb.WriteString("## Available tools\n")
	sb.WriteString(string(req.ToolGuide))
	sb.WriteString("\n")
	return sb.String()
}

// BuildTaskContext returns the mutable per-step task context ending in
// an explicit BEGIN marker that instructs the model to act, not narrate.
func (b *Builder) BuildTaskContext(req Request) string {
	var sb strings.Builder

	sb.WriteString("## Mailbox\n")
	if len(req.MailboxSnapshot) == 0 {
		sb.WriteString("(empty)\n")
	} else {
		for _, m := range req.MailboxSnapshot {
			fmt.Fprintf(&sb, "- [%s] from %s: %s\n", m.Kind, m.From, m.Content)
		}
	}

	sb.WriteString("\n## Your memory\n")
	if req.AgentMemory == "" {
		sb.WriteString("(no prior memory)\n")
	} else {
		sb.WriteString(req.AgentMemory)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Shared memory\n")
	if req.SharedMemory == "" {
		sb.WriteString("(empty)\n")
	} else {
		sb.WriteString(req.SharedMemory)
		sb.WriteString("\n")
	}

	if len(req.RecentEvaluations) > 0 {
		sb.WriteString("\n## Recent evaluations\n")
		for _, e := range req.RecentEvaluations {
			sb.WriteString("- ")
			sb.WriteString(e)
			sb.WriteString("\n")
		}
	}

	if len(req.InputArtifacts) > 0 {
		sb.WriteString("\n## Required input artifacts\n")
		for _, a := range req.InputArtifacts {
			fmt.Fprintf(&sb, "### %s\n%s\n", a.Name, a.Content)
		}
	}

	sb.WriteString("\n## Output template\n")
	sb.WriteString(req.OutputTemplate)
	sb.WriteString("\n\nBEGIN\n")

	return sb.String()
}
