package handler

/*
Файл permission.go — агентский периметр: запрос разрешения и операции
над эфемерными токенами. Identity агента берется из JWT (контекст),
а не из тела запроса, поэтому агент не может представиться чужим именем.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/xela07ax/permgate/internal/broker"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra/auth"
	"github.com/xela07ax/permgate/internal/policy"
)

// PermissionBroker — то, что хендлеру нужно от брокера
type PermissionBroker interface {
	RequestPermission(ctx context.Context, principalID string, evalReq policy.EvalRequest) (*broker.Outcome, error)
	AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (*broker.Outcome, error)
}

// TokenOperations — то, что хендлеру нужно от Token Service
type TokenOperations interface {
	Verify(ctx context.Context, secret, requestID string) domain.VerifyResult
	Consume(ctx context.Context, secret, requestID string, actionDetails map[string]any) (domain.ConsumeResult, error)
	Revoke(ctx context.Context, secret, requestID string) bool
}

type PermissionHandler struct {
	broker PermissionBroker
	tokens TokenOperations
	// Верхняя граница long-poll ожидания решения человека
	maxWait time.Duration
}

func NewPermissionHandler(b PermissionBroker, t TokenOperations, maxWait time.Duration) *PermissionHandler {
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}
	return &PermissionHandler{broker: b, tokens: t, maxWait: maxWait}
}

type permissionRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource,omitempty"`
	Scope    map[string]any `json:"scope,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	// WaitSeconds > 0 — long-poll: держим соединение до решения или таймаута
	WaitSeconds int64 `json:"wait_seconds,omitempty"`
}

// Request — POST /v1/permissions/request
func (h *PermissionHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}

	principalID := auth.PrincipalFromContext(r.Context())
	agentID := auth.AgentFromContext(r.Context())

	outcome, err := h.broker.RequestPermission(r.Context(), principalID, policy.EvalRequest{
		AgentID:  agentID,
		Action:   req.Action,
		Resource: req.Resource,
		Scope:    req.Scope,
		Context:  req.Context,
	})
	if err != nil {
		http.Error(w, "failed to process permission request", http.StatusInternalServerError)
		return
	}

	// Агент попросил дождаться решения человека прямо в этом запросе
	if outcome.Status == domain.RequestPending && req.WaitSeconds > 0 {
		wait := time.Duration(req.WaitSeconds) * time.Second
		if wait > h.maxWait {
			wait = h.maxWait
		}
		if decided, err := h.broker.AwaitDecision(r.Context(), outcome.RequestID, wait); err == nil {
			outcome = decided
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

type awaitRequest struct {
	RequestID   string `json:"request_id"`
	WaitSeconds int64  `json:"wait_seconds,omitempty"`
}

// Await — POST /v1/permissions/await: отдельный long-poll для агента,
// который отцепился и пришел за решением позже
func (h *PermissionHandler) Await(w http.ResponseWriter, r *http.Request) {
	var req awaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}

	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait <= 0 || wait > h.maxWait {
		wait = h.maxWait
	}

	outcome, err := h.broker.AwaitDecision(r.Context(), req.RequestID, wait)
	if err != nil {
		if errors.Is(err, broker.ErrRequestNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to await decision", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

type tokenOpRequest struct {
	Secret        string         `json:"secret"`
	RequestID     string         `json:"request_id"`
	ActionDetails map[string]any `json:"action_details,omitempty"`
}

func decodeTokenOp(w http.ResponseWriter, r *http.Request) (tokenOpRequest, bool) {
	var req tokenOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Secret == "" || req.RequestID == "" {
		http.Error(w, "secret and request_id are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// Verify — POST /v1/tokens/verify: проверка без списания
func (h *PermissionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTokenOp(w, r)
	if !ok {
		return
	}

	result := h.tokens.Verify(r.Context(), req.Secret, req.RequestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Consume — POST /v1/tokens/consume: атомарное списание использования
func (h *PermissionHandler) Consume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTokenOp(w, r)
	if !ok {
		return
	}

	result, err := h.tokens.Consume(r.Context(), req.Secret, req.RequestID, req.ActionDetails)
	if err != nil {
		// Инфраструктурный сбой: мутирующая операция не прячет его за отказом
		http.Error(w, "token store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Revoke — POST /v1/tokens/revoke
func (h *PermissionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTokenOp(w, r)
	if !ok {
		return
	}

	revoked := h.tokens.Revoke(r.Context(), req.Secret, req.RequestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"revoked": revoked})
}
