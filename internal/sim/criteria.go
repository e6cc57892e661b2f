package sim

import (
	"fmt"
	"strconv"
	"strings"
)

// CriterionKind discriminates the accepted criterion forms.
type CriterionKind string

const (
	// CriterionState tests a named predicate over the persona state,
	// e.g. "state:all_info_extracted".
	CriterionState CriterionKind = "state"
	// CriterionEvent tests whether a named event was raised,
	// e.g. "event:AI_FALLBACK_DETECTED".
	CriterionEvent CriterionKind = "event"
	// CriterionTurnCount tests "turn_count > N": true exactly when the
	// current turn number exceeds N.
	CriterionTurnCount CriterionKind = "turn_count"
)

// Criterion is one parsed success or failure condition.
type Criterion struct {
	Kind      CriterionKind
	Predicate string // state predicate or event name
	Threshold int    // turn_count bound
	raw       string
}

func (c Criterion) String() string { return c.raw }

// ParseCriterion parses the three accepted forms:
//
//	state:<predicate>
//	event:<name>
//	turn_count > N
func ParseCriterion(raw string) (Criterion, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "state:"):
		pred := strings.TrimSpace(strings.TrimPrefix(s, "state:"))
		if pred == "" {
			return Criterion{}, fmt.Errorf("sim: empty state predicate in %q", raw)
		}
		return Criterion{Kind: CriterionState, Predicate: pred, raw: s}, nil

	case strings.HasPrefix(s, "event:"):
		name := strings.TrimSpace(strings.TrimPrefix(s, "event:"))
		if name == "" {
			return Criterion{}, fmt.Errorf("sim: empty event name in %q", raw)
		}
		return Criterion{Kind: CriterionEvent, Predicate: name, raw: s}, nil

	case strings.HasPrefix(s, "turn_count"):
		rest := strings.TrimSpace(strings.TrimPrefix(s, "turn_count"))
		if !strings.HasPrefix(rest, ">") {
			return Criterion{}, fmt.Errorf("sim: turn_count criterion must use '>' in %q", raw)
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(rest, ">")))
		if err != nil {
			return Criterion{}, fmt.Errorf("sim: bad turn_count threshold in %q: %w", raw, err)
		}
		return Criterion{Kind: CriterionTurnCount, Threshold: n, raw: s}, nil

	default:
		return Criterion{}, fmt.Errorf("sim: unrecognized criterion %q", raw)
	}
}

// Eval reports whether the criterion holds after the given turn.
func (c Criterion) Eval(spec PersonaSpec, state *PersonaState, turn int) bool {
	switch c.Kind {
	case CriterionState:
		if c.Predicate == "all_info_extracted" {
			return state.AllInfoExtracted(spec.InformationNeeded)
		}
		return false
	case CriterionEvent:
		return state.Events[c.Predicate]
	case CriterionTurnCount:
		return turn > c.Threshold
	default:
		return false
	}
}
