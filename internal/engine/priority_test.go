package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

func TestParsePriorityTableDefaults(t *testing.T) {
	table, err := ParsePriorityTable("")
	require.NoError(t, err)

	assert.Equal(t, 40, table[model.InterruptionObjection].Weight)
	assert.True(t, table.Preempts(model.InterruptionObjection))
	assert.True(t, table.Preempts(model.InterruptionDirectQuestion))
	assert.False(t, table.Preempts(model.InterruptionCorrection))
	assert.False(t, table.Preempts(model.InterruptionOffTopic))
}

func TestParsePriorityTableOverrides(t *testing.T) {
	table, err := ParsePriorityTable("off_topic=50!, correction=5")
	require.NoError(t, err)

	// Overridden kinds take the new rule.
	assert.Equal(t, PriorityRule{Weight: 50, Preempt: true}, table[model.InterruptionOffTopic])
	assert.Equal(t, PriorityRule{Weight: 5, Preempt: false}, table[model.InterruptionCorrection])
	// Kinds absent from the override keep their defaults.
	assert.Equal(t, PriorityRule{Weight: 40, Preempt: true}, table[model.InterruptionObjection])
}

func TestParsePriorityTableErrors(t *testing.T) {
	cases := []struct {
		name string
		spec string
	}{
		{"missing equals", "objection40"},
		{"unknown kind", "tangent=10"},
		{"bad weight", "objection=high!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePriorityTable(tc.spec)
			assert.Error(t, err)
		})
	}
}

func TestDequeueHighestWeight(t *testing.T) {
	table := DefaultPriorityTable()
	queue := []model.Interruption{
		{Kind: model.InterruptionOffTopic, Text: "first"},
		{Kind: model.InterruptionObjection, Text: "second"},
		{Kind: model.InterruptionDirectQuestion, Text: "third"},
	}

	item, ok := table.Dequeue(&queue)
	require.True(t, ok)
	assert.Equal(t, model.InterruptionObjection, item.Kind)
	assert.Len(t, queue, 2)

	item, ok = table.Dequeue(&queue)
	require.True(t, ok)
	assert.Equal(t, model.InterruptionDirectQuestion, item.Kind)

	item, ok = table.Dequeue(&queue)
	require.True(t, ok)
	assert.Equal(t, model.InterruptionOffTopic, item.Kind)

	_, ok = table.Dequeue(&queue)
	assert.False(t, ok)
	assert.Empty(t, queue)
}

func TestDequeueFIFOAmongEqualWeights(t *testing.T) {
	table := DefaultPriorityTable()
	queue := []model.Interruption{
		{Kind: model.InterruptionDirectQuestion, Text: "price"},
		{Kind: model.InterruptionDirectQuestion, Text: "delivery"},
	}

	item, ok := table.Dequeue(&queue)
	require.True(t, ok)
	assert.Equal(t, "price", item.Text)

	item, ok = table.Dequeue(&queue)
	require.True(t, ok)
	assert.Equal(t, "delivery", item.Text)
}
