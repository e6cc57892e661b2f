package model

import "github.com/google/uuid"

// TurnEvent classifies what caused a turn to run.
type TurnEvent string

const (
	// EventUserMessage is an ordinary inbound customer message.
	EventUserMessage TurnEvent = "user_message"
	// EventFollowUpTimeout is a deferred re-entry fired by the follow-up
	// scheduler after the customer went quiet. Carries no user text.
	EventFollowUpTimeout TurnEvent = "follow_up_timeout"
	// EventIntegrationTrigger starts a conversation proactively from an
	// external system (CRM hook, campaign). Carries no user text.
	EventIntegrationTrigger TurnEvent = "integration_trigger"
)

// TurnRequest is the normalized inbound event the dialogue engine consumes.
// Provider-specific webhook payloads are converted to this shape at the
// transport boundary; the engine never sees channel JSON.
type TurnRequest struct {
	ThreadID      uuid.UUID  `json:"thread_id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	AgentConfigID *uuid.UUID `json:"agent_config_id,omitempty"`
	Event         TurnEvent  `json:"event"`
	UserText      string     `json:"user_text,omitempty"`
	// AttemptCount is the follow-up attempt number for follow_up_timeout
	// events; zero otherwise.
	AttemptCount int `json:"attempt_count,omitempty"`
}

// TurnResult is the normalized outcome of one turn.
type TurnResult struct {
	ThreadID          uuid.UUID `json:"thread_id"`
	OutboundText      string    `json:"outbound_text"`
	CheckpointVersion int64     `json:"checkpoint_version"`
	FollowUpArmed     bool      `json:"follow_up_armed"`
}
