package model

// ActionType is the closed vocabulary of actions the agent can take in a turn.
// The proactive decider's structured output is constrained to this set.
type ActionType string

const (
	ActionAskStagedQuestion  ActionType = "ask_staged_question"
	ActionRequestMissingFact ActionType = "request_missing_fact"
	ActionAnswerQuestion     ActionType = "answer_question"
	ActionHandleObjection    ActionType = "handle_objection"
	ActionProposeNextStep    ActionType = "propose_next_step"
	ActionClose              ActionType = "close"
	ActionFollowUpPing       ActionType = "follow_up_ping"
	ActionAskRephrase        ActionType = "ask_rephrase"
	ActionEscalate           ActionType = "escalate"
)

// ValidActionType reports whether t is a member of the action vocabulary.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionAskStagedQuestion, ActionRequestMissingFact, ActionAnswerQuestion,
		ActionHandleObjection, ActionProposeNextStep, ActionClose,
		ActionFollowUpPing, ActionAskRephrase, ActionEscalate:
		return true
	}
	return false
}

// AgentAction records the action most recently taken by the agent.
// The reactive classifier reads it to interpret the customer's next reply
// in context (e.g. a "no" after a proposal is an objection, not an answer).
type AgentAction struct {
	Type           ActionType     `json:"type"`
	Details        map[string]any `json:"details,omitempty"`
	GenerationText string         `json:"generation_text"`
	Attempts       int            `json:"attempts"`
}

// InterruptionKind classifies a reactive trigger detected in customer input.
type InterruptionKind string

const (
	InterruptionObjection      InterruptionKind = "objection"
	InterruptionDirectQuestion InterruptionKind = "direct_question"
	InterruptionCorrection     InterruptionKind = "correction"
	InterruptionOffTopic       InterruptionKind = "off_topic"
)

// ValidInterruptionKind reports whether k is a known interruption kind.
func ValidInterruptionKind(k InterruptionKind) bool {
	switch k {
	case InterruptionObjection, InterruptionDirectQuestion,
		InterruptionCorrection, InterruptionOffTopic:
		return true
	}
	return false
}

// Interruption is one detected objection/question/correction/off-topic item
// queued on the conversation state until addressed.
type Interruption struct {
	Kind         InterruptionKind `json:"kind"`
	Text         string           `json:"text"`
	DetectedTurn int              `json:"detected_turn"`
}
