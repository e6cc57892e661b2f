package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// whatsAppPayload is the Cloud API webhook envelope. The variants we care
// about are closed: a text message, a non-text message (media, location,
// reaction), or a delivery status callback. Anything else is acknowledged
// and dropped at this boundary.
type whatsAppPayload struct {
	Object string          `json:"object"`
	Entry  []whatsAppEntry `json:"entry"`
}

type whatsAppEntry struct {
	ID      string           `json:"id"`
	Changes []whatsAppChange `json:"changes"`
}

type whatsAppChange struct {
	Field string        `json:"field"`
	Value whatsAppValue `json:"value"`
}

type whatsAppValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         whatsAppMetadata  `json:"metadata"`
	Messages         []whatsAppMessage `json:"messages"`
	Statuses         []whatsAppStatus  `json:"statuses"`
	Contacts         []whatsAppContact `json:"contacts"`
}

type whatsAppMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type whatsAppMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type whatsAppStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type whatsAppContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// TenantResolver maps a WhatsApp business phone number ID to a tenant.
type TenantResolver interface {
	ResolveTenant(phoneNumberID string) (uuid.UUID, bool)
}

// StaticTenantResolver assigns every phone number to one tenant.
type StaticTenantResolver struct {
	TenantID uuid.UUID
}

func (r StaticTenantResolver) ResolveTenant(string) (uuid.UUID, bool) {
	return r.TenantID, r.TenantID != uuid.Nil
}

// threadNamespace derives deterministic thread IDs: the same customer phone
// number under the same tenant always maps to the same conversation thread.
var threadNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // RFC 4122 NameSpace_DNS

// ThreadIDFor computes the conversation thread for a tenant + customer pair.
func ThreadIDFor(tenantID uuid.UUID, waID string) uuid.UUID {
	return uuid.NewSHA1(threadNamespace, []byte(tenantID.String()+"/"+waID))
}

// HandleWebhookVerify answers the GET subscription handshake: echo
// hub.challenge when hub.verify_token matches.
func (h *Handlers) HandleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// HandleWebhook receives WhatsApp events. The signature is verified against
// the raw body before decoding. Valid text messages are converted to
// TurnRequests and handed to the dispatcher; the response is always an
// immediate 200 so the provider does not retry while turns run.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "read body")
		return
	}

	if !verifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "signature mismatch")
		return
	}

	var payload whatsAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "malformed payload")
		return
	}

	accepted := 0
	for _, req := range h.turnRequests(payload) {
		if h.dispatcher.Submit(req) {
			accepted++
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"accepted": accepted})
}

// turnRequests extracts normalized turn requests from a webhook payload.
// Status callbacks and non-text messages produce none; the provider still
// gets its 200.
func (h *Handlers) turnRequests(payload whatsAppPayload) []model.TurnRequest {
	var reqs []model.TurnRequest
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			tenantID, ok := h.tenants.ResolveTenant(change.Value.Metadata.PhoneNumberID)
			if !ok {
				h.logger.Warn("webhook: no tenant for phone number",
					"phone_number_id", change.Value.Metadata.PhoneNumberID)
				continue
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					h.logger.Debug("webhook: dropping non-text message",
						"type", msg.Type, "message_id", msg.ID)
					continue
				}
				text := strings.TrimSpace(msg.Text.Body)
				if text == "" {
					continue
				}
				reqs = append(reqs, model.TurnRequest{
					ThreadID: ThreadIDFor(tenantID, msg.From),
					TenantID: tenantID,
					Event:    model.EventUserMessage,
					UserText: text,
				})
			}
		}
	}
	return reqs
}

// verifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against an HMAC-SHA256 of the raw body. An empty secret disables
// verification; deployments behind their own edge auth opt in to that.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(header[len(prefix):])) == 1
}
