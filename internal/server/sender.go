package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender delivers outbound agent messages to the customer's channel. The
// real WhatsApp send API is an external collaborator; production deployments
// plug in their own implementation.
type Sender interface {
	Send(ctx context.Context, threadID uuid.UUID, text string) error
}

// OutboundMessage is one recorded agent message.
type OutboundMessage struct {
	ThreadID uuid.UUID `json:"thread_id"`
	Seq      int       `json:"seq"` // 1-based per-thread send order
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// CaptureSender records outbound messages in memory instead of delivering
// them. It backs the outbound poll endpoint that the simulation harness and
// local development use.
type CaptureSender struct {
	mu       sync.RWMutex
	byThread map[uuid.UUID][]OutboundMessage

	now func() time.Time
}

// NewCaptureSender creates an empty capture sender.
func NewCaptureSender() *CaptureSender {
	return &CaptureSender{
		byThread: make(map[uuid.UUID][]OutboundMessage),
		now:      time.Now,
	}
}

// Send records the message. Never fails.
func (s *CaptureSender) Send(_ context.Context, threadID uuid.UUID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byThread[threadID]
	s.byThread[threadID] = append(msgs, OutboundMessage{
		ThreadID: threadID,
		Seq:      len(msgs) + 1,
		Text:     text,
		SentAt:   s.now(),
	})
	return nil
}

// After returns messages for the thread with Seq greater than seq, in send
// order.
func (s *CaptureSender) After(threadID uuid.UUID, seq int) []OutboundMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byThread[threadID]
	if seq <= 0 {
		out := make([]OutboundMessage, len(msgs))
		copy(out, msgs)
		return out
	}
	var out []OutboundMessage
	for _, m := range msgs {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}
