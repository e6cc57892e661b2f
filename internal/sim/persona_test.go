package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeFirstValueWins(t *testing.T) {
	state := &PersonaState{}
	state.Merge([]ExtractedFact{
		{Entity: "bike", Attribute: "price", Value: "1800 EUR"},
	})
	state.Merge([]ExtractedFact{
		{Entity: "bike", Attribute: "price", Value: "2100 EUR"}, // later re-answer, ignored
		{Entity: "bike", Attribute: "warranty", Value: "2 years"},
	})

	require.Len(t, state.Facts, 2)
	assert.Equal(t, "1800 EUR", state.Facts[0].Value)
	assert.Equal(t, "2 years", state.Facts[1].Value)
}

func TestMergeSkipsIncompleteFacts(t *testing.T) {
	state := &PersonaState{}
	state.Merge([]ExtractedFact{
		{Entity: "", Attribute: "price", Value: "1800"},
		{Entity: "bike", Attribute: "", Value: "1800"},
		{Entity: "bike", Attribute: "price", Value: ""},
	})
	assert.Empty(t, state.Facts)
}

func TestAllInfoExtractedAndFirstUnresolved(t *testing.T) {
	needed := []FactKey{
		{Entity: "bike", Attribute: "price"},
		{Entity: "bike", Attribute: "warranty"},
	}
	state := &PersonaState{}

	assert.False(t, state.AllInfoExtracted(needed))
	key, ok := state.FirstUnresolved(needed)
	require.True(t, ok)
	assert.Equal(t, "price", key.Attribute)

	state.Merge([]ExtractedFact{{Entity: "bike", Attribute: "price", Value: "1800 EUR"}})
	key, ok = state.FirstUnresolved(needed)
	require.True(t, ok)
	assert.Equal(t, "warranty", key.Attribute)

	state.Merge([]ExtractedFact{{Entity: "bike", Attribute: "warranty", Value: "2 years"}})
	assert.True(t, state.AllInfoExtracted(needed))
	_, ok = state.FirstUnresolved(needed)
	assert.False(t, ok)
}

func TestPersonaSpecValidate(t *testing.T) {
	valid := PersonaSpec{
		Name:            "bargain hunter",
		InitialMessage:  "hi, how much is the bike?",
		SuccessCriteria: []string{"state:all_info_extracted"},
		FailureCriteria: []string{"turn_count > 10"},
	}
	assert.NoError(t, valid.Validate())

	noName := valid
	noName.Name = ""
	assert.Error(t, noName.Validate())

	noMessage := valid
	noMessage.InitialMessage = ""
	assert.Error(t, noMessage.Validate())

	badCriterion := valid
	badCriterion.FailureCriteria = []string{"turn_count = 10"}
	assert.Error(t, badCriterion.Validate())
}

func TestNextQuestion(t *testing.T) {
	key := FactKey{Entity: "the Aurora X2", Attribute: "price"}

	spec := PersonaSpec{}
	assert.Equal(t, "Could you tell me the price of the Aurora X2?", spec.NextQuestion(key))

	spec.QuestionTemplate = "What's the %s on %s?"
	assert.Equal(t, "What's the price on the Aurora X2?", spec.NextQuestion(key))
}
