package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// Pinger is the storage health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	dispatcher *Dispatcher
	capture    *CaptureSender // nil when a real sender is plugged in
	tenants    TenantResolver
	db         Pinger

	appSecret    string
	verifyToken  string
	maxBodyBytes int64
	version      string
	logger       *slog.Logger
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	Dispatcher   *Dispatcher
	Capture      *CaptureSender
	Tenants      TenantResolver
	DB           Pinger
	AppSecret    string
	VerifyToken  string
	MaxBodyBytes int64
	Version      string
	Logger       *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	return &Handlers{
		dispatcher:   deps.Dispatcher,
		capture:      deps.Capture,
		tenants:      deps.Tenants,
		db:           deps.DB,
		appSecret:    deps.AppSecret,
		verifyToken:  deps.VerifyToken,
		maxBodyBytes: deps.MaxBodyBytes,
		version:      deps.Version,
		logger:       deps.Logger,
	}
}

// HandleHealth reports liveness and database reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, code, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// HandleOutbound serves recorded outbound messages for a thread:
// GET /v1/conversations/{thread_id}/outbound?after_turn=N. Only available
// with the capture sender; deployments with a real channel sender get 404.
func (h *Handlers) HandleOutbound(w http.ResponseWriter, r *http.Request) {
	if h.capture == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "outbound capture not enabled")
		return
	}
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid thread id")
		return
	}
	after := 0
	if v := r.URL.Query().Get("after_turn"); v != "" {
		after, err = strconv.Atoi(v)
		if err != nil || after < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid after_turn")
			return
		}
	}
	msgs := h.capture.After(threadID, after)
	if msgs == nil {
		msgs = []OutboundMessage{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": msgs})
}

type triggerRequest struct {
	TenantID      uuid.UUID  `json:"tenant_id"`
	AgentConfigID *uuid.UUID `json:"agent_config_id,omitempty"`
}

// HandleTrigger starts or nudges a conversation from an external system:
// POST /v1/conversations/{thread_id}/trigger.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid thread id")
		return
	}
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "malformed body")
		return
	}
	if req.TenantID == uuid.Nil {
		if tid, ok := h.tenants.ResolveTenant(""); ok {
			req.TenantID = tid
		} else {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "tenant_id required")
			return
		}
	}

	accepted := h.dispatcher.Submit(model.TurnRequest{
		ThreadID:      threadID,
		TenantID:      req.TenantID,
		AgentConfigID: req.AgentConfigID,
		Event:         model.EventIntegrationTrigger,
	})
	if !accepted {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "shutting down")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"thread_id": threadID})
}
