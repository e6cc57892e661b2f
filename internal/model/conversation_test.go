package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomerProfileSetsOnlyGrow(t *testing.T) {
	var p CustomerProfile

	p.AddNeed("faster onboarding")
	p.AddNeed("faster onboarding")
	p.AddNeed("mobile access")
	assert.Equal(t, []string{"faster onboarding", "mobile access"}, p.Needs)

	p.AddPainPoint("manual data entry")
	p.AddPainPoint("manual data entry")
	assert.Len(t, p.PainPoints, 1)
}

func TestResolveObjection(t *testing.T) {
	var p CustomerProfile
	p.AddObjection("too expensive")
	p.AddObjection("no integration")

	assert.True(t, p.ResolveObjection("too expensive"))
	assert.Equal(t, []string{"no integration"}, p.Objections)

	// Resolving something never raised is a no-op.
	assert.False(t, p.ResolveObjection("too expensive"))
	assert.Equal(t, []string{"no integration"}, p.Objections)
}

func TestSetCertaintyOnNilMap(t *testing.T) {
	var p CustomerProfile
	p.SetCertainty("budget", CertaintyConfirmed)
	assert.Equal(t, CertaintyConfirmed, p.Certainty["budget"])
}

func TestClosingTransitions(t *testing.T) {
	cases := []struct {
		from, to ClosingState
		ok       bool
	}{
		{ClosingNotStarted, ClosingProposed, true},
		{ClosingNotStarted, ClosingAccepted, false},
		{ClosingProposed, ClosingObjectionOpen, true},
		{ClosingProposed, ClosingAccepted, true},
		{ClosingObjectionOpen, ClosingProposed, true},
		{ClosingObjectionOpen, ClosingAccepted, true},
		{ClosingAccepted, ClosingProposed, false},
		{ClosingAbandoned, ClosingProposed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestAppendMessageStampsTurn(t *testing.T) {
	s := ConversationState{TurnNumber: 3}
	now := time.Now()
	s.AppendMessage(RoleCustomer, "hello", now)
	s.AppendMessage(RoleAgent, "hi there", now)

	require.Len(t, s.History, 2)
	assert.Equal(t, 3, s.History[0].TurnNumber)
	assert.Equal(t, RoleAgent, s.History[1].Role)
}

func TestLastCustomerMessage(t *testing.T) {
	s := ConversationState{TurnNumber: 1}
	now := time.Now()

	assert.Nil(t, s.LastCustomerMessage())

	s.AppendMessage(RoleCustomer, "first", now)
	s.AppendMessage(RoleAgent, "reply", now)
	s.TurnNumber = 2
	s.AppendMessage(RoleCustomer, "second", now)

	msg := s.LastCustomerMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.Text)
	assert.Equal(t, 2, msg.TurnNumber)
}
