// Package engine implements the goal-directed dialogue engine: the reactive
// classifier, the proactive step decider, the action executor, and the turn
// orchestrator that sequences them and persists checkpoints.
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// PriorityRule says how an interruption kind ranks against others and whether
// detecting it preempts the active goal.
type PriorityRule struct {
	Weight  int
	Preempt bool
}

// PriorityTable maps interruption kinds to their handling rules. The
// reactive-vs-proactive ordering is deliberately configuration, not code:
// which kinds preempt is a product decision and is tested explicitly.
type PriorityTable map[model.InterruptionKind]PriorityRule

// DefaultPriorityTable returns the stock ordering: objections outrank direct
// questions, both preempt the active goal; corrections and off-topic chatter
// are absorbed without derailing the sales stage.
func DefaultPriorityTable() PriorityTable {
	return PriorityTable{
		model.InterruptionObjection:      {Weight: 40, Preempt: true},
		model.InterruptionDirectQuestion: {Weight: 30, Preempt: true},
		model.InterruptionCorrection:     {Weight: 20, Preempt: false},
		model.InterruptionOffTopic:       {Weight: 10, Preempt: false},
	}
}

// ParsePriorityTable parses an override spec of the form
// "objection=40!,direct_question=30!,correction=20,off_topic=10" where a
// trailing "!" marks a preempting kind. Kinds absent from the override keep their
// default rule. An empty spec returns the defaults.
func ParsePriorityTable(spec string) (PriorityTable, error) {
	table := DefaultPriorityTable()
	if strings.TrimSpace(spec) == "" {
		return table, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("engine: invalid priority entry %q", entry)
		}
		kind := model.InterruptionKind(strings.TrimSpace(kv[0]))
		if !model.ValidInterruptionKind(kind) {
			return nil, fmt.Errorf("engine: unknown interruption kind %q", kv[0])
		}
		val := strings.TrimSpace(kv[1])
		preempt := strings.HasSuffix(val, "!")
		val = strings.TrimSuffix(val, "!")
		weight, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("engine: invalid priority weight %q: %w", kv[1], err)
		}
		table[kind] = PriorityRule{Weight: weight, Preempt: preempt}
	}
	return table, nil
}

// Dequeue removes and returns the highest-priority interruption from the
// queue (FIFO among equal weights). Returns false when the queue is empty.
func (t PriorityTable) Dequeue(queue *[]model.Interruption) (model.Interruption, bool) {
	if len(*queue) == 0 {
		return model.Interruption{}, false
	}
	best := 0
	for i, item := range *queue {
		if t[item.Kind].Weight > t[(*queue)[best].Kind].Weight {
			best = i
		}
	}
	item := (*queue)[best]
	*queue = append((*queue)[:best], (*queue)[best+1:]...)
	return item, true
}

// Preempts reports whether the given kind suspends the active goal.
func (t PriorityTable) Preempts(kind model.InterruptionKind) bool {
	return t[kind].Preempt
}
