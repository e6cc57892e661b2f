package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCriterionForms(t *testing.T) {
	c, err := ParseCriterion("state:all_info_extracted")
	require.NoError(t, err)
	assert.Equal(t, CriterionState, c.Kind)
	assert.Equal(t, "all_info_extracted", c.Predicate)

	c, err = ParseCriterion("event:AI_FALLBACK_DETECTED")
	require.NoError(t, err)
	assert.Equal(t, CriterionEvent, c.Kind)
	assert.Equal(t, "AI_FALLBACK_DETECTED", c.Predicate)

	c, err = ParseCriterion("turn_count > 5")
	require.NoError(t, err)
	assert.Equal(t, CriterionTurnCount, c.Kind)
	assert.Equal(t, 5, c.Threshold)
}

func TestParseCriterionErrors(t *testing.T) {
	cases := []string{
		"state:",
		"event: ",
		"turn_count >= 5",
		"turn_count > many",
		"until:done",
		"",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseCriterion(raw)
			assert.Error(t, err)
		})
	}
}

func TestTurnCountEvalBoundary(t *testing.T) {
	c, err := ParseCriterion("turn_count > 3")
	require.NoError(t, err)

	state := &PersonaState{}
	// Strictly greater: turn 3 does not trip it, turn 4 does.
	assert.False(t, c.Eval(PersonaSpec{}, state, 3))
	assert.True(t, c.Eval(PersonaSpec{}, state, 4))
}

func TestStateEval(t *testing.T) {
	spec := PersonaSpec{InformationNeeded: []FactKey{{Entity: "bike", Attribute: "price"}}}
	c, err := ParseCriterion("state:all_info_extracted")
	require.NoError(t, err)

	state := &PersonaState{}
	assert.False(t, c.Eval(spec, state, 1))

	state.Merge([]ExtractedFact{{Entity: "bike", Attribute: "price", Value: "1800 EUR"}})
	assert.True(t, c.Eval(spec, state, 1))

	unknown, err := ParseCriterion("state:customer_happy")
	require.NoError(t, err)
	assert.False(t, unknown.Eval(spec, state, 1), "unknown predicates never hold")
}

func TestEventEval(t *testing.T) {
	c, err := ParseCriterion("event:AI_FALLBACK_DETECTED")
	require.NoError(t, err)

	state := &PersonaState{}
	assert.False(t, c.Eval(PersonaSpec{}, state, 1))
	state.RaiseEvent(EventAIFallbackDetected)
	assert.True(t, c.Eval(PersonaSpec{}, state, 1))
}
