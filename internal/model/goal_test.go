package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalSlotInterruptAndResume(t *testing.T) {
	gs := GoalSlot{Active: Goal{Type: GoalDiscovery}}

	gs.Interrupt(Goal{Type: GoalAnswerQuestion})
	assert.Equal(t, GoalAnswerQuestion, gs.Active.Type)
	require.NotNil(t, gs.Suspended)
	assert.Equal(t, GoalDiscovery, gs.Suspended.Type)

	assert.True(t, gs.Resume())
	assert.Equal(t, GoalDiscovery, gs.Active.Type)
	assert.Nil(t, gs.Suspended)
}

func TestGoalSlotDepthOne(t *testing.T) {
	gs := GoalSlot{Active: Goal{Type: GoalDiscovery}}

	// A second interruption while one goal is suspended discards the older
	// suspension: resuming lands on the mid goal, never the original.
	gs.Interrupt(Goal{Type: GoalAnswerQuestion})
	gs.Interrupt(Goal{Type: GoalObjectionHandling})

	assert.Equal(t, GoalObjectionHandling, gs.Active.Type)
	require.NotNil(t, gs.Suspended)
	assert.Equal(t, GoalAnswerQuestion, gs.Suspended.Type)

	assert.True(t, gs.Resume())
	assert.Equal(t, GoalAnswerQuestion, gs.Active.Type)
	assert.False(t, gs.Resume())
}

func TestGoalSlotReplaceClearsSuspension(t *testing.T) {
	gs := GoalSlot{Active: Goal{Type: GoalDiscovery}}
	gs.Interrupt(Goal{Type: GoalAnswerQuestion})

	gs.Replace(Goal{Type: GoalQualification})
	assert.Equal(t, GoalQualification, gs.Active.Type)
	assert.Nil(t, gs.Suspended)
	assert.False(t, gs.Resume())
}
