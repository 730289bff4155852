package notify

/*
Файл telegram.go — доставка HITL-уведомлений владельцу через Telegram Bot API.

Ядро брокера знает только интерфейс Notifier; сюда вынесено всё
форматирование: текст с действием/scope/контекстом/дедлайном и
inline-клавиатура Approve/Deny, callback_data которой несет id запроса.
Нажатие кнопки прилетает в webhook-эндпоинт консоли и re-enter'ит
broker.Decide().
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"go.uber.org/zap"
)

// ThrottleError несет Retry-After от Telegram (HTTP 429) для умного бэкоффа
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// CallbackApprovePrefix / CallbackDenyPrefix — формат callback_data кнопок:
// "<prefix><request_id>". Webhook-хендлер разбирает их обратно.
const (
	CallbackApprovePrefix = "approve:"
	CallbackDenyPrefix    = "deny:"
)

type TelegramNotifier struct {
	client  *http.Client
	baseURL string // https://api.telegram.org/bot<token>
	logger  *zap.Logger
}

func NewTelegramNotifier(cfg infra.TelegramConfig, logger *zap.Logger) *TelegramNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		client:  &http.Client{Timeout: timeout},
		baseURL: fmt.Sprintf("%s/bot%s", strings.TrimSuffix(cfg.APIBase, "/"), cfg.BotToken),
		logger:  logger.Named("telegram"),
	}
}

// NotifyPending отправляет владельцу карточку ожидающего запроса
func (n *TelegramNotifier) NotifyPending(ctx context.Context, principal *domain.Principal, req *domain.PermissionRequest) error {
	if principal.TelegramChat == 0 {
		// У владельца не привязан чат — не ошибка, запрос виден в консоли
		n.logger.Debug("principal has no telegram chat bound", zap.String("principal_id", principal.ID))
		return nil
	}

	payload := map[string]any{
		"chat_id":    principal.TelegramChat,
		"text":       formatPending(req),
		"parse_mode": "HTML",
		"reply_markup": map[string]any{
			"inline_keyboard": [][]map[string]string{{
				{"text": "✅ Approve", "callback_data": CallbackApprovePrefix + req.ID},
				{"text": "❌ Deny", "callback_data": CallbackDenyPrefix + req.ID},
			}},
		},
	}

	return n.call(ctx, "sendMessage", payload)
}

func (n *TelegramNotifier) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telegram: %s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// Bot API отдает retry_after и в заголовке, и в теле; заголовка достаточно
		retryAfter := 3 * time.Second
		if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
			retryAfter = time.Duration(sec) * time.Second
		}
		return &ThrottleError{RetryAfter: retryAfter, Cause: fmt.Errorf("telegram rate limit")}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("telegram: %s returned %d: %s", method, resp.StatusCode, apiErr.Description)
	}
	return nil
}

// formatPending собирает человекочитаемую карточку запроса
func formatPending(req *domain.PermissionRequest) string {
	var sb strings.Builder

	sb.WriteString("🔐 <b>Permission request</b>\n\n")
	fmt.Fprintf(&sb, "Agent: <code>%s</code>\n", req.AgentID)
	fmt.Fprintf(&sb, "Action: <code>%s</code>\n", req.Action)
	if req.Resource != nil {
		fmt.Fprintf(&sb, "Resource: <code>%s</code>\n", *req.Resource)
	}

	writeKV(&sb, "Scope", req.Scope)
	writeKV(&sb, "Context", req.Context)

	fmt.Fprintf(&sb, "\nExpires: %s", req.ExpiresAt.UTC().Format(time.RFC3339))
	return sb.String()
}

// writeKV печатает мапу в детерминированном порядке ключей
func writeKV(sb *strings.Builder, title string, m map[string]any) {
	if len(m) == 0 {
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(sb, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(sb, "  • %s = <code>%v</code>\n", k, m[k])
	}
}
