package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra/auth"
	"github.com/xela07ax/permgate/internal/server/service"
)

type AuthHandler struct {
	service *service.AuthService
}

func NewAuthHandler(s *service.AuthService) *AuthHandler {
	return &AuthHandler{service: s}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type mintAgentRequest struct {
	AgentID    string `json:"agent_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// MintAgentToken выдает агентский JWT от имени авторизованного принципала
func (h *AuthHandler) MintAgentToken(w http.ResponseWriter, r *http.Request) {
	var req mintAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	principalID := auth.PrincipalFromContext(r.Context())
	resp, err := h.service.MintAgentToken(principalID, req.AgentID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
