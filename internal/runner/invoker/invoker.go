// Package invoker implements the Agent Invoker: a
// multi-iteration LLM conversation loop that parses tool calls out of
// the streamed response, executes them, and folds results back in
// until the step completes or the iteration cap is reached.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/cryptonhq/crypton/internal/runner/llm"
	"github.com/cryptonhq/crypton/internal/runner/tools"
)

// Streamer is the subset of llm.Client the invoker depends on, so tests
// can substitute a fake.
type Streamer interface {
	StreamChat(ctx context.Context, messages []llm.Message, observer llm.Observer) (string, error)
}

// ToolRunner is the subset of tools.Executor the invoker depends on.
type ToolRunner interface {
	ExecuteOne(ctx context.Context, call tools.Call) tools.Result
}

// Invoker drives the bounded multi-iteration conversation loop.
type Invoker struct {
	streamer     Streamer
	toolRunner   ToolRunner
	iterationCap int
}

// New constructs an Invoker. iterationCap <= 0 uses a default of 12.
func New(streamer Streamer, toolRunner ToolRunner, iterationCap int) *Invoker {
	if iterationCap <= 0 {
		iterationCap = 12
	}
	return &Invoker{streamer: streamer, toolRunner: toolRunner, iterationCap: iterationCap}
}

// Outcome is the result of running a step to completion or truncation.
type Outcome struct {
	FinalText  string
	Truncated  bool
	Iterations int
}

// Run drives the conversation starting from systemContext+taskContext
// until the model emits a response with zero tool calls, or the
// iteration cap is hit.
func (inv *Invoker) Run(ctx context.Context, systemContext, taskContext string, observer llm.Observer) (Outcome, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemContext},
		{Role: "user", Content: taskContext},
	}

	var lastText string
	for iteration := 1; iteration <= inv.iterationCap; iteration++ {
		text, err := inv.streamer.StreamChat(ctx, messages, observer)
		if err != nil {
			return Outcome{}, fmt.Errorf("invoker: stream chat: %w", err)
		}
		lastText = text
		messages = append(messages, llm.Message{Role: "assistant", Content: text})

		calls := ParseToolCalls(text)
		if len(calls) == 0 {
			return Outcome{FinalText: text, Iterations: iteration}, nil
		}

		for _, call := range calls {
			result := inv.toolRunner.ExecuteOne(ctx, tools.Call{Name: call.Name, Args: call.Args})
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"name":%q,"error":"result not serializable"}`, call.Name))
			}
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("<tool_result name=%q>%s</tool_result>", call.Name, payload),
			})
		}
	}

	return Outcome{FinalText: lastText + "\n[truncated: iteration cap reached]", Truncated: true, Iterations: inv.iterationCap}, nil
}

// ToolCall is one parsed invocation request.
type ToolCall struct {
	Name string
	Args map[string]interface{}
	Pos  int
}

var (
	strictPattern    = regexp.MustCompile(`(?s)<tool_call>\s*(\w+)\s+(\{.*?\})\s*</tool_call>`)
	malformedPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\w+)\s+(\{.*?\})(?:</tool_call>|$)`)
)

// ParseToolCalls extracts tool calls: the strict
// `<tool_call>NAME {JSON}</tool_call>` pattern first, then a secondary
// pattern tolerating a missing closing tag, deduping matches that start
// at the same position. Malformed argument JSON yields an empty args
// map rather than dropping the call.
func ParseToolCalls(text string) []ToolCall {
	seen := make(map[int]bool)
	var calls []ToolCall

	collect := func(matches [][]int) {
		for _, m := range matches {
			start := m[0]
			if seen[start] {
				continue
			}
			seen[start] = true
			name := text[m[2]:m[3]]
			argsText := text[m[4]:m[5]]
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(argsText), &args); err != nil || args == nil {
				args = map[string]interface{}{}
			}
			calls = append(calls, ToolCall{Name: name, Args: args, Pos: start})
		}
	}

	collect(strictPattern.FindAllStringSubmatchIndex(text, -1))
	collect(malformedPattern.FindAllStringSubmatchIndex(text, -1))

	sort.Slice(calls, func(i, j int) bool { return calls[i].Pos < calls[j].Pos })
	return calls
}
