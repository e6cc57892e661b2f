// Package model defines the core domain types for Kaiwa.
//
// ConversationState is the unit of persistence: one snapshot per conversation
// thread, replaced wholesale at every turn boundary. Types use strong typing
// (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Message is one entry in a conversation's history.
// History is append-only and never reordered.
type Message struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	TurnNumber int       `json:"turn_number"`
	SentAt     time.Time `json:"sent_at"`
}

// CertaintyLevel grades how confident the agent is about a learned topic.
type CertaintyLevel string

const (
	CertaintyLow       CertaintyLevel = "low"
	CertaintyMedium    CertaintyLevel = "medium"
	CertaintyHigh      CertaintyLevel = "high"
	CertaintyConfirmed CertaintyLevel = "confirmed"
)

// CustomerProfile accumulates what the agent has learned about the customer.
// Sets only grow; objections shrink only through explicit resolution.
type CustomerProfile struct {
	Needs      []string                  `json:"needs"`
	PainPoints []string                  `json:"pain_points"`
	Objections []string                  `json:"objections"`
	Certainty  map[string]CertaintyLevel `json:"certainty"`
}

// AddNeed appends a need if not already present.
func (p *CustomerProfile) AddNeed(need string) {
	p.Needs = appendUnique(p.Needs, need)
}

// AddPainPoint appends a pain point if not already present.
func (p *CustomerProfile) AddPainPoint(pain string) {
	p.PainPoints = appendUnique(p.PainPoints, pain)
}

// AddObjection appends an objection if not already present.
func (p *CustomerProfile) AddObjection(objection string) {
	p.Objections = appendUnique(p.Objections, objection)
}

// ResolveObjection removes an objection that has been explicitly handled.
// Returns true if the objection was present.
func (p *CustomerProfile) ResolveObjection(objection string) bool {
	for i, o := range p.Objections {
		if o == objection {
			p.Objections = append(p.Objections[:i], p.Objections[i+1:]...)
			return true
		}
	}
	return false
}

// SetCertainty records or upgrades the certainty level for a topic.
func (p *CustomerProfile) SetCertainty(topic string, level CertaintyLevel) {
	if p.Certainty == nil {
		p.Certainty = make(map[string]CertaintyLevel)
	}
	p.Certainty[topic] = level
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}

// ClosingState tracks the proposal/closing progression.
type ClosingState string

const (
	ClosingNotStarted     ClosingState = "not_started"
	ClosingProposed       ClosingState = "proposed"
	ClosingObjectionOpen  ClosingState = "objection_raised"
	ClosingAccepted       ClosingState = "accepted"
	ClosingAbandoned      ClosingState = "abandoned"
)

// closingTransitions is the closed set of legal closing-state moves.
var closingTransitions = map[ClosingState][]ClosingState{
	ClosingNotStarted:    {ClosingProposed, ClosingAbandoned},
	ClosingProposed:      {ClosingObjectionOpen, ClosingAccepted, ClosingAbandoned},
	ClosingObjectionOpen: {ClosingProposed, ClosingAccepted, ClosingAbandoned},
}

// CanTransition reports whether moving from the current closing state to next is legal.
func (c ClosingState) CanTransition(next ClosingState) bool {
	for _, allowed := range closingTransitions[c] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Closing carries the closing-progression state plus the objection cooldown marker.
type Closing struct {
	State ClosingState `json:"state"`
	// LastObjectionTurn is the turn on which an objection was last handled.
	// Used as a cooldown so the agent doesn't re-propose immediately.
	LastObjectionTurn int `json:"last_objection_turn"`
}

// CompanyProfile is read-only static context describing the tenant's business.
type CompanyProfile struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Products    []string `json:"products"`
	Tone        string   `json:"tone"`
}

// AgentConfig is the per-tenant behavior configuration snapshot for a conversation.
type AgentConfig struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	Name            string         `json:"name"`
	Company         CompanyProfile `json:"company"`
	StagedQuestions []string       `json:"staged_questions"`
	RequiredFacts   []string       `json:"required_facts"`
	Greeting        string         `json:"greeting"`
	FallbackMessage string         `json:"fallback_message"`
}

// ConversationState is the complete per-thread dialogue state.
// Owned exclusively by the turn orchestrator; mutated only by computing a
// full successor and persisting it as a new checkpoint version.
type ConversationState struct {
	TenantID       uuid.UUID  `json:"tenant_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	AgentConfigID  *uuid.UUID `json:"agent_config_id,omitempty"`

	Company CompanyProfile `json:"company"`
	Agent   AgentConfig    `json:"agent"`

	History    []Message `json:"history"`
	TurnNumber int       `json:"turn_number"`

	Goals         GoalSlot       `json:"goals"`
	LastAction    *AgentAction   `json:"last_action,omitempty"`
	Interruptions []Interruption `json:"interruptions"`
	Profile       CustomerProfile `json:"profile"`
	Closing       Closing         `json:"closing"`

	// NextStagedQuestion indexes into Agent.StagedQuestions.
	NextStagedQuestion int `json:"next_staged_question"`

	// RetrievedKnowledge is transient: populated during a turn for the
	// executor, cleared at the start of the next turn.
	RetrievedKnowledge string `json:"retrieved_knowledge,omitempty"`

	FollowUpScheduled  bool      `json:"follow_up_scheduled"`
	FollowUpAttempts   int       `json:"follow_up_attempts"`
	LastAgentMessageAt time.Time `json:"last_agent_message_at"`

	LastProcessingError *string `json:"last_processing_error,omitempty"`
	DisengagementReason *string `json:"disengagement_reason,omitempty"`
}

// AppendMessage appends a history entry stamped with the current turn.
func (s *ConversationState) AppendMessage(role Role, text string, at time.Time) {
	s.History = append(s.History, Message{
		Role:       role,
		Text:       text,
		TurnNumber: s.TurnNumber,
		SentAt:     at,
	})
}

// LastCustomerMessage returns the most recent customer message, or nil.
func (s *ConversationState) LastCustomerMessage() *Message {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleCustomer {
			return &s.History[i]
		}
	}
	return nil
}
