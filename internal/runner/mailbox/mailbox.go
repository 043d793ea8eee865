// Package mailbox implements the Agent Runner's Mailbox System:
// per-agent bounded FIFO queues with a fixed routing table for
// forward/feedback/broadcast dispatch, and extraction of mailbox
// content from tagged regions in LLM output. Each mailbox holds at most
// the N most-recent messages; there is no priority ordering.
package mailbox

import (
	"regexp"
	"sync"
	"time"
)

// Kind is the routing classification of a MailboxMessage.
type Kind string

const (
	Forward   Kind = "forward"
	Feedback  Kind = "feedback"
	Broadcast Kind = "broadcast"
	Operator  Kind = "operator"
)

// Message is one entry in an agent's mailbox.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
}

// Agent names used throughout the routing table.
const (
	AgentPlan       = "plan"
	AgentResearch   = "research"
	AgentAnalyze    = "analyze"
	AgentSynthesize = "synthesize"
	AgentEvaluation = "evaluation"
)

const defaultCapacity = 5

// box is one agent's bounded FIFO. Append-on-write, snapshot-on-read:
// readers get a copy, never a live slice, so a concurrent append can't
// mutate a reader's in-flight view.
type box struct {
	mu       sync.Mutex
	messages []Message
	capacity int
}

func newBox(capacity int) *box {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &box{capacity: capacity}
}

func (b *box) append(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	if len(b.messages) > b.capacity {
		b.messages = b.messages[len(b.messages)-b.capacity:]
	}
}

func (b *box) snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// System owns every agent's mailbox and the step-routing table
type System struct {
	mu    sync.RWMutex
	boxes map[string]*box
	cap   int
}

// New constructs a System where every agent's mailbox has the given
// capacity (default 5 if capacity <= 0).
func New(capacity int) *System {
	return &System{boxes: make(map[string]*box), cap: capacity}
}

func (s *System) boxFor(agent string) *box {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[agent]
	if !ok {
		b = newBox(s.cap)
		s.boxes[agent] = b
	}
	return b
}

// Deliver appends m to the recipient's mailbox.
func (s *System) Deliver(m Message) {
	s.boxFor(m.To).append(m)
}

// Snapshot returns a copy of agent's current mailbox contents, oldest
// first.
func (s *System) Snapshot(agent string) []Message {
	return s.boxFor(agent).snapshot()
}

// routingTable implements fixed per-step routing:
//
//	Plan -> forward Research
//	Research -> forward Analyze, feedback Plan
//	Analyze -> forward Synthesize, feedback Research
//	Synthesize -> forward Evaluation, feedback Analyze
//	Evaluation -> broadcast to all four upstream agents
var routingTable = map[string]struct {
	forward  string
	feedback string
}{
	AgentPlan:       {forward: AgentResearch},
	AgentResearch:   {forward: AgentAnalyze, feedback: AgentPlan},
	AgentAnalyze:    {forward: AgentSynthesize, feedback: AgentResearch},
	AgentSynthesize: {forward: AgentEvaluation, feedback: AgentAnalyze},
}

var broadcastTargets = []string{AgentPlan, AgentResearch, AgentAnalyze, AgentSynthesize}

// RouteStepOutput extracts tagged content from an agent's raw LLM output
// and delivers forward/feedback/broadcast messages per the routing
// table. from is the step name that just completed.
func (s *System) RouteStepOutput(from, rawOutput string, now time.Time) {
	if from == AgentEvaluation {
		content := extractTag(rawOutput, "broadcast")
		for _, target := range broadcastTargets {
			s.Deliver(Message{From: from, To: target, Content: content, Timestamp: now, Kind: Broadcast})
		}
		return
	}

	route, ok := routingTable[from]
	if !ok {
		return
	}
	if route.forward != "" {
		content := extractTag(rawOutput, "mailbox_to_"+route.forward)
		s.Deliver(Message{From: from, To: route.forward, Content: content, Timestamp: now, Kind: Forward})
	}
	if route.feedback != "" {
		content := extractTag(rawOutput, "feedback")
		s.Deliver(Message{From: from, To: route.feedback, Content: content, Timestamp: now, Kind: Feedback})
	}
}

const placeholderMessage = "(no message provided for this step)"

func extractTag(raw, tag string) string {
	pattern := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>(.*?)</` + regexp.QuoteMeta(tag) + `>`)
	match := pattern.FindStringSubmatch(raw)
	if len(match) < 2 {
		return placeholderMessage
	}
	return match[1]
}
