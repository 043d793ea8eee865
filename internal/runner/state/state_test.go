package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct{ present bool }

func (f fakeHistory) HistoryPresent() bool { return f.present }

func TestNewStartsAtIdleWhenNoFileExists(t *testing.T) {
	m, warn := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{})
	assert.False(t, warn)
	got, _ := m.Current()
	assert.Equal(t, Idle, got)
}

func TestTransitionPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.json")
	m, _ := New(path, nil, fakeHistory{})

	require.NoError(t, m.Transition(Plan, func(c *CycleContext) { c.CycleID = "c1" }))
	require.NoError(t, m.Transition(Research, nil))

	reloaded, warn := New(path, nil, fakeHistory{})
	assert.False(t, warn)
	gotState, gotCtx := reloaded.Current()
	assert.Equal(t, Research, gotState)
	assert.Equal(t, "c1", gotCtx.CycleID)
}

func TestTransitionRejectsIllegalArrow(t *testing.T) {
	m, _ := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{})
	err := m.Transition(Synthesize, nil)
	assert.Error(t, err)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	m, _ := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{})
	require.NoError(t, m.Transition(Plan, nil))
	require.NoError(t, m.Transition(Research, nil))

	require.NoError(t, m.Pause())
	state, _ := m.Current()
	assert.Equal(t, Paused, state)

	require.NoError(t, m.Resume())
	state, _ = m.Current()
	assert.Equal(t, Research, state)
}

func TestFailedTransitionsToPlan(t *testing.T) {
	m, _ := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{})
	require.NoError(t, m.Fail())
	require.NoError(t, m.Transition(Plan, nil))
	state, _ := m.Current()
	assert.Equal(t, Plan, state)
}

func TestNextAfterIdleOrWaitHonorsHistoryGuard(t *testing.T) {
	m, _ := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{present: true})
	assert.Equal(t, Evaluate, m.NextAfterIdleOrWait())

	m2, _ := New(filepath.Join(t.TempDir(), "runner.json"), nil, fakeHistory{present: false})
	assert.Equal(t, Plan, m2.NextAfterIdleOrWait())
}
