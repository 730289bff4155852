package handler

/*
Файл approval.go — консольная сторона Human-in-the-loop: очередь
pending-запросов, детали и ручка решения. Сюда же заведен webhook
Telegram: нажатие inline-кнопки превращается в тот же broker.Decide.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/permgate/internal/broker"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra/auth"
	"github.com/xela07ax/permgate/internal/notify"
	"go.uber.org/zap"
)

// ApprovalBroker — то, что хендлеру нужно от брокера
type ApprovalBroker interface {
	GetRequest(ctx context.Context, principalID, requestID string) (*domain.PermissionRequest, error)
	ListRequests(ctx context.Context, principalID string, status domain.RequestStatus) ([]*domain.PermissionRequest, error)
	Decide(ctx context.Context, principalID, requestID string, approved bool, comment string) (*broker.Outcome, error)
}

// ChatResolver находит принципала по привязанному Telegram-чату
type ChatResolver interface {
	GetPrincipalByTelegramChat(ctx context.Context, chatID int64) (*domain.Principal, error)
}

type ApprovalHandler struct {
	broker   ApprovalBroker
	resolver ChatResolver
	logger   *zap.Logger
}

func NewApprovalHandler(b ApprovalBroker, resolver ChatResolver, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{broker: b, resolver: resolver, logger: logger.Named("approvals")}
}

// List — очередь запросов принципала; ?status=pending по умолчанию
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.RequestStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.RequestPending // Дефолт для удобства консоли
	}

	principalID := auth.PrincipalFromContext(r.Context())
	list, err := h.broker.ListRequests(r.Context(), principalID, status)
	if err != nil {
		http.Error(w, "failed to fetch requests", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	principalID := auth.PrincipalFromContext(r.Context())

	req, err := h.broker.GetRequest(r.Context(), principalID, id)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// Decide — POST /v1/requests/{id}/decide
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	principalID := auth.PrincipalFromContext(r.Context())
	outcome, err := h.broker.Decide(r.Context(), principalID, id, req.Approved, req.Comment)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	// Секрет токена уходит ожидающему агенту через канал решения,
	// принципалу достаточно итогового статуса
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"request_id": outcome.RequestID,
		"status":     outcome.Status,
		"reason":     outcome.Reason,
	})
}

// telegramUpdate — усеченный Update Bot API: нам нужен только callback_query
type telegramUpdate struct {
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// TelegramCallback — POST /v1/telegram/callback (webhook бота).
// Авторизация — по привязке чата к принципалу: решение применяется
// от имени владельца чата, чужой чат ничего не решит.
func (h *ApprovalHandler) TelegramCallback(w http.ResponseWriter, r *http.Request) {
	var upd telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid update payload", http.StatusBadRequest)
		return
	}
	// Не callback (обычное сообщение боту) — подтверждаем и игнорируем
	if upd.CallbackQuery == nil || upd.CallbackQuery.Message == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	var requestID string
	var approved bool
	switch data := upd.CallbackQuery.Data; {
	case strings.HasPrefix(data, notify.CallbackApprovePrefix):
		requestID = strings.TrimPrefix(data, notify.CallbackApprovePrefix)
		approved = true
	case strings.HasPrefix(data, notify.CallbackDenyPrefix):
		requestID = strings.TrimPrefix(data, notify.CallbackDenyPrefix)
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	chatID := upd.CallbackQuery.Message.Chat.ID
	principal, err := h.resolver.GetPrincipalByTelegramChat(r.Context(), chatID)
	if err != nil || principal == nil {
		h.logger.Warn("callback from unbound telegram chat", zap.Int64("chat_id", chatID), zap.Error(err))
		w.WriteHeader(http.StatusOK) // Боту всегда отвечаем 200, иначе Telegram ретраит
		return
	}

	if _, err := h.broker.Decide(r.Context(), principal.ID, requestID, approved, "via telegram"); err != nil {
		// Повторное нажатие кнопки или протухший запрос — штатная ситуация
		h.logger.Info("telegram decision not applied",
			zap.String("request_id", requestID), zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ApprovalHandler) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrRequestNotFound), errors.Is(err, broker.ErrNotOwner):
		// Чужой запрос не раскрываем, отвечаем как на несуществующий
		http.Error(w, "request not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyDecided):
		http.Error(w, "request already decided", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
