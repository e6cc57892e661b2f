package sim

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwa-ai/kaiwa/internal/server"
)

// Status is the lifecycle state of a simulation run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reasons.
const (
	ReasonInfoObtained     = "INFO_OBTAINED"
	ReasonTurnLimitReached = "TURN_LIMIT_REACHED"
	ReasonAIUsedFallback   = "AI_USED_FALLBACK"
	ReasonPollTimeout      = "POLL_TIMEOUT"
	ReasonSimulationError  = "SIMULATION_ERROR"
)

// EventAIFallbackDetected is raised when the agent's reply matches the
// configured fallback phrasing. Referenced by failure criteria as
// "event:AI_FALLBACK_DETECTED".
const EventAIFallbackDetected = "AI_FALLBACK_DETECTED"

// TranscriptEntry is one exchanged message in a run.
type TranscriptEntry struct {
	Turn int    `json:"turn"`
	Role string `json:"role"` // "persona" or "agent"
	Text string `json:"text"`
}

// RunResult is the outcome of one simulation run.
type RunResult struct {
	RunID      uuid.UUID         `json:"run_id"`
	Persona    string            `json:"persona"`
	ThreadID   uuid.UUID         `json:"thread_id"`
	Status     Status            `json:"status"`
	Reason     string            `json:"reason"`
	Turns      int               `json:"turns"`
	Facts      []ExtractedFact   `json:"facts"`
	Transcript []TranscriptEntry `json:"transcript"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// RunnerConfig tunes the simulation runner.
type RunnerConfig struct {
	// BaseURL of the running Kaiwa server, e.g. "http://localhost:8080".
	BaseURL string
	// AppSecret signs outgoing webhook payloads exactly like WhatsApp does.
	AppSecret string
	// PhoneNumberID identifies the business number in simulated payloads.
	PhoneNumberID string
	TenantID      uuid.UUID

	// PollInterval and PollAttempts bound the wait for each agent reply.
	// The runner never blocks indefinitely.
	PollInterval time.Duration
	PollAttempts int

	// MaxTurns is a hard ceiling independent of persona criteria.
	MaxTurns int

	// FallbackPhrases mark an agent reply as the degraded fallback,
	// raising AI_FALLBACK_DETECTED.
	FallbackPhrases []string

	HTTPClient *http.Client
}

// Runner drives persona simulations through the production webhook
// transport: every persona message travels the same signed path a real
// WhatsApp inbound takes, and replies are read from the outbound poll
// endpoint. Nothing is mocked below the HTTP surface.
type Runner struct {
	cfg       RunnerConfig
	extractor *Extractor
	logger    *slog.Logger
}

// NewRunner creates a simulation runner.
func NewRunner(cfg RunnerConfig, extractor *Extractor, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{cfg: cfg, extractor: extractor, logger: logger}
}

// Run executes one persona simulation to a terminal status.
func (r *Runner) Run(ctx context.Context, spec PersonaSpec) RunResult {
	result := RunResult{
		RunID:     uuid.New(),
		Persona:   spec.Name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	if err := spec.Validate(); err != nil {
		return r.terminal(result, StatusFailed, ReasonSimulationError, err)
	}

	success, failure, err := parseCriteria(spec)
	if err != nil {
		return r.terminal(result, StatusFailed, ReasonSimulationError, err)
	}

	// A fresh synthetic customer number per run keeps threads independent.
	waID := "sim" + strings.ReplaceAll(result.RunID.String(), "-", "")[:12]
	result.ThreadID = server.ThreadIDFor(r.cfg.TenantID, waID)

	state := &PersonaState{}
	msg := spec.InitialMessage
	// Cursor over the outbound stream: the Seq of the last message actually
	// consumed. A turn counter would drift when the agent sends more than one
	// message per persona turn (a follow-up ping landing mid-run) and
	// re-serve consumed messages as fresh.
	lastSeq := 0

	for turn := 1; turn <= r.cfg.MaxTurns; turn++ {
		result.Turns = turn
		result.Transcript = append(result.Transcript, TranscriptEntry{Turn: turn, Role: "persona", Text: msg})

		if err := r.sendWebhook(ctx, waID, msg); err != nil {
			return r.terminal(result, StatusFailed, ReasonSimulationError, err)
		}

		replyMsg, ok, err := r.pollReply(ctx, result.ThreadID, lastSeq)
		if err != nil {
			return r.terminal(result, StatusFailed, ReasonSimulationError, err)
		}
		if !ok {
			return r.terminal(result, StatusTimeout, ReasonPollTimeout, nil)
		}
		lastSeq = replyMsg.Seq
		reply := replyMsg.Text
		result.Transcript = append(result.Transcript, TranscriptEntry{Turn: turn, Role: "agent", Text: reply})

		if r.isFallback(reply) {
			state.RaiseEvent(EventAIFallbackDetected)
		}

		if len(spec.InformationNeeded) > 0 {
			facts, err := r.extractor.Extract(ctx, reply, spec.InformationNeeded)
			if err != nil {
				// Extraction is advisory; a failed call costs one turn's facts.
				r.logger.Warn("sim: fact extraction failed", "persona", spec.Name, "turn", turn, "error", err)
			} else {
				state.Merge(facts)
			}
		}
		result.Facts = state.Facts

		// Success first, then failure, per turn.
		for _, c := range success {
			if c.Eval(spec, state, turn) {
				return r.terminal(result, StatusCompleted, reasonFor(c), nil)
			}
		}
		for _, c := range failure {
			if c.Eval(spec, state, turn) {
				return r.terminal(result, StatusFailed, reasonFor(c), nil)
			}
		}

		key, unresolved := state.FirstUnresolved(spec.InformationNeeded)
		if !unresolved {
			// Everything extracted but no success criterion matched; keep
			// the conversation moving on the objective.
			msg = spec.Objective
			continue
		}
		msg = spec.NextQuestion(key)
	}

	return r.terminal(result, StatusFailed, ReasonTurnLimitReached, nil)
}

func (r *Runner) terminal(result RunResult, status Status, reason string, err error) RunResult {
	result.Status = status
	result.Reason = reason
	result.FinishedAt = time.Now()
	attrs := []any{"persona", result.Persona, "status", status, "reason", reason, "turns", result.Turns}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.logger.Info("sim: run finished", attrs...)
	return result
}

func parseCriteria(spec PersonaSpec) (success, failure []Criterion, err error) {
	for _, raw := range spec.SuccessCriteria {
		c, err := ParseCriterion(raw)
		if err != nil {
			return nil, nil, err
		}
		success = append(success, c)
	}
	for _, raw := range spec.FailureCriteria {
		c, err := ParseCriterion(raw)
		if err != nil {
			return nil, nil, err
		}
		failure = append(failure, c)
	}
	return success, failure, nil
}

// reasonFor maps a matched criterion to its terminal reason.
func reasonFor(c Criterion) string {
	switch c.Kind {
	case CriterionTurnCount:
		return ReasonTurnLimitReached
	case CriterionEvent:
		if c.Predicate == EventAIFallbackDetected {
			return ReasonAIUsedFallback
		}
		return c.Predicate
	default:
		return ReasonInfoObtained
	}
}

func (r *Runner) isFallback(reply string) bool {
	lower := strings.ToLower(reply)
	for _, phrase := range r.cfg.FallbackPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// sendWebhook posts a WhatsApp-shaped payload, signed with the app secret,
// to the production webhook endpoint.
func (r *Runner) sendWebhook(ctx context.Context, waID, text string) error {
	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id": r.cfg.PhoneNumberID,
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata":          map[string]any{"phone_number_id": r.cfg.PhoneNumberID},
					"messages": []any{map[string]any{
						"from":      waID,
						"id":        "wamid." + uuid.New().String(),
						"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
						"type":      "text",
						"text":      map[string]any{"body": text},
					}},
				},
			}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sim: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/webhook/whatsapp", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sim: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.AppSecret != "" {
		mac := hmac.New(sha256.New, []byte(r.cfg.AppSecret))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sim: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sim: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// pollReply polls the outbound endpoint until a message newer than afterSeq
// appears or the attempt ceiling is hit. When several messages arrive in one
// window it returns the newest; its Seq advances the caller's cursor past
// all of them.
func (r *Runner) pollReply(ctx context.Context, threadID uuid.UUID, afterSeq int) (server.OutboundMessage, bool, error) {
	url := fmt.Sprintf("%s/v1/conversations/%s/outbound?after_turn=%d", r.cfg.BaseURL, threadID, afterSeq)

	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return server.OutboundMessage{}, false, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return server.OutboundMessage{}, false, fmt.Errorf("sim: build poll request: %w", err)
		}
		resp, err := r.cfg.HTTPClient.Do(req)
		if err != nil {
			return server.OutboundMessage{}, false, fmt.Errorf("sim: poll outbound: %w", err)
		}

		var envelope struct {
			Data struct {
				Messages []server.OutboundMessage `json:"messages"`
			} `json:"data"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return server.OutboundMessage{}, false, fmt.Errorf("sim: outbound poll returned %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return server.OutboundMessage{}, false, fmt.Errorf("sim: decode outbound poll: %w", decodeErr)
		}
		if n := len(envelope.Data.Messages); n > 0 {
			return envelope.Data.Messages[n-1], true, nil
		}
	}
	return server.OutboundMessage{}, false, nil
}
