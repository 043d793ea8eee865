package invoker

import (
	"context"
	"testing"

	"github.com/cryptonhq/crypton/internal/runner/llm"
	"github.com/cryptonhq/crypton/internal/runner/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCallsStrictPattern(t *testing.T) {
	text := `before <tool_call>get_price {"asset":"BTC/USD"}</tool_call> after`
	calls := ParseToolCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_price", calls[0].Name)
	assert.Equal(t, "BTC/USD", calls[0].Args["asset"])
}

func TestParseToolCallsMalformedClosingTagFallback(t *testing.T) {
	text := `<tool_call>get_price {"asset":"ETH/USD"}`
	calls := ParseToolCalls(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_price", calls[0].Name)
	assert.Equal(t, "ETH/USD", calls[0].Args["asset"])
}

func TestParseToolCallsDedupesByStartPosition(t *testing.T) {
	text := `<tool_call>get_price {"asset":"BTC/USD"}</tool_call>`
	calls := ParseToolCalls(text)
	require.Len(t, calls, 1)
}

func TestParseToolCallsMalformedArgsYieldsEmptyMap(t *testing.T) {
	text := `<tool_call>get_price {not json}</tool_call>`
	calls := ParseToolCalls(text)
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Args)
}

func TestParseToolCallsMultipleInOrder(t *testing.T) {
	text := `<tool_call>a {}</tool_call> then <tool_call>b {}</tool_call>`
	calls := ParseToolCalls(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
}

type fakeStreamer struct {
	responses []string
	i         int
}

func (f *fakeStreamer) StreamChat(ctx context.Context, messages []llm.Message, observer llm.Observer) (string, error) {
	r := f.responses[f.i]
	f.i++
	return r, nil
}

type fakeToolRunner struct{ calls []tools.Call }

func (f *fakeToolRunner) ExecuteOne(ctx context.Context, call tools.Call) tools.Result {
	f.calls = append(f.calls, call)
	return tools.Result{Name: call.Name, Value: "ok"}
}

func TestRunStopsWhenNoToolCalls(t *testing.T) {
	streamer := &fakeStreamer{responses: []string{"final answer, no tools"}}
	runner := &fakeToolRunner{}
	inv := New(streamer, runner, 5)

	outcome, err := inv.Run(context.Background(), "sys", "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "final answer, no tools", outcome.FinalText)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, 1, outcome.Iterations)
}

func TestRunExecutesToolsThenContinues(t *testing.T) {
	streamer := &fakeStreamer{responses: []string{
		`<tool_call>get_price {"asset":"BTC/USD"}</tool_call>`,
		"done now",
	}}
	runner := &fakeToolRunner{}
	inv := New(streamer, runner, 5)

	outcome, err := inv.Run(context.Background(), "sys", "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "done now", outcome.FinalText)
	assert.Equal(t, 2, outcome.Iterations)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "get_price", runner.calls[0].Name)
}

func TestRunTruncatesAtIterationCap(t *testing.T) {
	alwaysToolCall := `<tool_call>noop {}</tool_call>`
	streamer := &fakeStreamer{responses: []string{alwaysToolCall, alwaysToolCall, alwaysToolCall}}
	runner := &fakeToolRunner{}
	inv := New(streamer, runner, 3)

	outcome, err := inv.Run(context.Background(), "sys", "task", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Truncated)
	assert.Equal(t, 3, outcome.Iterations)
}
