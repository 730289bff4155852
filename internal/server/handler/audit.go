package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/infra/auth"
)

// AuditReader — чтение журнала глазами хендлера
type AuditReader interface {
	FetchEvents(ctx context.Context, principalID, requestID string) ([]audit.Event, error)
}

type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(r AuditReader) *AuditHandler {
	return &AuditHandler{reader: r}
}

// GetLogs — GET /v1/audit?request_id=... — журнал событий принципала
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	principalID := auth.PrincipalFromContext(r.Context())
	requestID := r.URL.Query().Get("request_id")

	events, err := h.reader.FetchEvents(r.Context(), principalID, requestID)
	if err != nil {
		http.Error(w, "failed to fetch audit log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}
