package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/testutil"
)

type captureProcessor struct {
	mu   sync.Mutex
	reqs []model.TurnRequest
}

func (p *captureProcessor) ProcessTurn(_ context.Context, req model.TurnRequest) (model.TurnResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return model.TurnResult{ThreadID: req.ThreadID, OutboundText: "ack"}, nil
}

func (p *captureProcessor) requests() []model.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.TurnRequest, len(p.reqs))
	copy(out, p.reqs)
	return out
}

func newTestHandlers(proc TurnProcessor, tenantID uuid.UUID, secret string) (*Handlers, *Dispatcher) {
	logger := testutil.TestLogger()
	d := NewDispatcher(context.Background(), proc, nil, 4, logger)
	h := NewHandlers(HandlersDeps{
		Dispatcher:  d,
		Tenants:     StaticTenantResolver{TenantID: tenantID},
		AppSecret:   secret,
		VerifyToken: "open-sesame",
		Logger:      logger,
	})
	return h, d
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func messagePayload(phoneNumberID string, msgs ...map[string]any) []byte {
	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": "entry-1",
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata":          map[string]any{"phone_number_id": phoneNumberID},
					"messages":          msgs,
				},
			}},
		}},
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)

	cases := []struct {
		name   string
		secret string
		header string
		want   bool
	}{
		{"valid", "s3cret", sign("s3cret", body), true},
		{"wrong secret", "s3cret", sign("other", body), false},
		{"missing prefix", "s3cret", hex.EncodeToString([]byte("junk")), false},
		{"empty header", "s3cret", "", false},
		{"verification disabled", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, verifySignature(tc.secret, body, tc.header))
		})
	}
}

func TestWebhookVerifyHandshake(t *testing.T) {
	h, _ := newTestHandlers(&captureProcessor{}, uuid.New(), "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=open-sesame&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.HandleWebhookVerify(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestWebhookVerifyRejectsBadToken(t *testing.T) {
	h, _ := newTestHandlers(&captureProcessor{}, uuid.New(), "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.HandleWebhookVerify(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookAcceptsTextMessages(t *testing.T) {
	tenantID := uuid.New()
	proc := &captureProcessor{}
	h, d := newTestHandlers(proc, tenantID, "s3cret")

	body := messagePayload("15550001",
		map[string]any{"from": "34600111222", "id": "wamid.1", "type": "text",
			"text": map[string]any{"body": "  Hola, ¿tenéis stock?  "}},
		map[string]any{"from": "34600111222", "id": "wamid.2", "type": "image"},
		map[string]any{"from": "34600333444", "id": "wamid.3", "type": "text",
			"text": map[string]any{"body": ""}},
	)

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	d.Drain()

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Accepted int `json:"accepted"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Only the non-empty text message becomes a turn.
	assert.Equal(t, 1, resp.Data.Accepted)

	reqs := proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Hola, ¿tenéis stock?", reqs[0].UserText)
	assert.Equal(t, tenantID, reqs[0].TenantID)
	assert.Equal(t, ThreadIDFor(tenantID, "34600111222"), reqs[0].ThreadID)
	assert.Equal(t, model.EventUserMessage, reqs[0].Event)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	proc := &captureProcessor{}
	h, d := newTestHandlers(proc, uuid.New(), "s3cret")

	body := messagePayload("15550001",
		map[string]any{"from": "34600111222", "id": "wamid.1", "type": "text",
			"text": map[string]any{"body": "hola"}})

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("wrong", body))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	d.Drain()

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, proc.requests())
}

func TestWebhookAcksStatusOnlyPayload(t *testing.T) {
	proc := &captureProcessor{}
	h, d := newTestHandlers(proc, uuid.New(), "")

	body, _ := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"metadata": map[string]any{"phone_number_id": "15550001"},
					"statuses": []map[string]any{{"id": "wamid.1", "status": "delivered"}},
				},
			}},
		}},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	d.Drain()

	// Delivery callbacks are acknowledged but never become turns.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, proc.requests())
}

func TestThreadIDForDeterministic(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()

	assert.Equal(t, ThreadIDFor(tenantA, "34600111222"), ThreadIDFor(tenantA, "34600111222"))
	assert.NotEqual(t, ThreadIDFor(tenantA, "34600111222"), ThreadIDFor(tenantA, "34600999888"))
	assert.NotEqual(t, ThreadIDFor(tenantA, "34600111222"), ThreadIDFor(tenantB, "34600111222"))
}

func TestCaptureSenderAfter(t *testing.T) {
	s := NewCaptureSender()
	threadID := uuid.New()
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Send(context.Background(), threadID, fmt.Sprintf("msg %d", i)))
	}

	all := s.After(threadID, 0)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Seq)

	tail := s.After(threadID, 2)
	require.Len(t, tail, 1)
	assert.Equal(t, "msg 3", tail[0].Text)

	assert.Empty(t, s.After(threadID, 3))
	assert.Empty(t, s.After(uuid.New(), 0))
}

func TestHandleOutbound(t *testing.T) {
	logger := testutil.TestLogger()
	capture := NewCaptureSender()
	threadID := uuid.New()
	require.NoError(t, capture.Send(context.Background(), threadID, "first"))
	require.NoError(t, capture.Send(context.Background(), threadID, "second"))

	h := NewHandlers(HandlersDeps{Capture: capture, Logger: logger})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/conversations/{thread_id}/outbound", h.HandleOutbound)

	req := httptest.NewRequest(http.MethodGet,
		"/v1/conversations/"+threadID.String()+"/outbound?after_turn=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Messages []OutboundMessage `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Messages, 1)
	assert.Equal(t, "second", resp.Data.Messages[0].Text)
}
