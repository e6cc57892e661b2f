package model

// GoalType is the high-level sales objective driving proactive behavior.
type GoalType string

const (
	GoalDiscovery         GoalType = "discovery"
	GoalQualification     GoalType = "qualification"
	GoalAnswerQuestion    GoalType = "answer_question"
	GoalObjectionHandling GoalType = "objection_handling"
	GoalProposal          GoalType = "proposal"
	GoalClosing           GoalType = "closing"
	GoalReEngagement      GoalType = "re_engagement"
)

// Goal is a single sales objective with free-form detail parameters.
type Goal struct {
	Type    GoalType       `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// GoalSlot is a fixed two-slot goal structure: one active goal plus at most
// one suspended goal. Interruptions suspend the active goal; resuming
// promotes the suspended one. The structure is deliberately not a stack —
// nesting never exceeds depth one, so a second interruption while one goal
// is already suspended discards the older suspension.
type GoalSlot struct {
	Active    Goal  `json:"active"`
	Suspended *Goal `json:"suspended,omitempty"`
}

// Interrupt replaces the active goal with g, suspending the current one.
// If a goal was already suspended it is dropped: the slot never holds more
// than one level of suspension.
func (gs *GoalSlot) Interrupt(g Goal) {
	prev := gs.Active
	gs.Suspended = &prev
	gs.Active = g
}

// Resume promotes the suspended goal back to active. Returns false when
// nothing was suspended; the active goal is left untouched in that case.
func (gs *GoalSlot) Resume() bool {
	if gs.Suspended == nil {
		return false
	}
	gs.Active = *gs.Suspended
	gs.Suspended = nil
	return true
}

// Replace sets a new active goal without suspending the current one.
// Used for ordinary stage progression (discovery → qualification → ...).
func (gs *GoalSlot) Replace(g Goal) {
	gs.Active = g
	gs.Suspended = nil
}
