package broker

/*
Файл broker.go — оркестрация жизненного цикла запроса разрешения:
Policy Engine -> {выдача токена | отказ | ожидание человека} -> Token Service.

Путь require_approval: pending-запрос персистится с дедлайном, владельцу
уходит уведомление (Telegram), а решение человека возвращается в систему
через Decide() — атомарный переход pending -> approved/denied в БД плюс
сигнал «пробуждения» в персональный Redis-канал запроса, который вычитывает
заждавшийся AwaitDecision().
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"github.com/xela07ax/permgate/internal/policy"
	"go.uber.org/zap"
)

var (
	ErrRequestNotFound = errors.New("permission request not found")
	ErrNotOwner        = errors.New("request belongs to another principal")
)

// Evaluator — Policy Engine глазами брокера
type Evaluator interface {
	Evaluate(ctx context.Context, principalID string, req policy.EvalRequest) domain.Decision
}

// TokenIssuer — нужная брокеру часть Token Service
type TokenIssuer interface {
	Issue(ctx context.Context, requestID string, scope map[string]any, usesRemaining int, ttl time.Duration) (string, error)
	RevokeAllForRequest(ctx context.Context, requestID string) error
}

// RequestRepository описывает требования брокера к хранилищу запросов
type RequestRepository interface {
	CreateRequest(ctx context.Context, r *domain.PermissionRequest) error
	GetRequestByID(ctx context.Context, id string) (*domain.PermissionRequest, error)
	FindRequests(ctx context.Context, principalID string, status domain.RequestStatus) ([]*domain.PermissionRequest, error)
	DecideRequest(ctx context.Context, id string, status domain.RequestStatus, origin domain.DecisionOrigin, reason string, policyID *string) (*domain.PermissionRequest, error)
	ExpireOverdueRequests(ctx context.Context, now time.Time) ([]string, error)
}

// PrincipalStore — откуда брать адресата уведомления
type PrincipalStore interface {
	GetPrincipalByID(ctx context.Context, id string) (*domain.Principal, error)
}

// Notifier — канал доставки HITL-уведомлений владельцу
type Notifier interface {
	NotifyPending(ctx context.Context, principal *domain.Principal, req *domain.PermissionRequest) error
}

// Outcome — ответ агенту на запрос разрешения
type Outcome struct {
	RequestID string               `json:"request_id"`
	Status    domain.RequestStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	Scope     map[string]any       `json:"scope,omitempty"`
	// Secret присутствует только при выдаче токена и нигде не сохраняется
	Secret    string     `json:"secret,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// decisionSignal — payload персонального канала решения
type decisionSignal struct {
	Status domain.RequestStatus `json:"status"`
	Secret string               `json:"secret,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

type Broker struct {
	engine     Evaluator
	tokens     TokenIssuer
	requests   RequestRepository
	principals PrincipalStore
	notifier   Notifier
	rdb        *redis.Client
	auditor    audit.Recorder
	metrics    *infra.Metrics
	logger     *zap.Logger
	pendingTTL time.Duration
}

func NewBroker(
	engine Evaluator,
	tokens TokenIssuer,
	requests RequestRepository,
	principals PrincipalStore,
	notifier Notifier,
	rdb *redis.Client,
	auditor audit.Recorder,
	metrics *infra.Metrics,
	logger *zap.Logger,
	pendingTTL time.Duration,
) *Broker {
	if pendingTTL <= 0 {
		pendingTTL = 15 * time.Minute
	}
	return &Broker{
		engine:     engine,
		tokens:     tokens,
		requests:   requests,
		principals: principals,
		notifier:   notifier,
		rdb:        rdb,
		auditor:    auditor,
		metrics:    metrics,
		logger:     logger.Named("broker"),
		pendingTTL: pendingTTL,
	}
}

// RequestPermission — входная точка потока: решение движка и ветвление.
// auto_approve -> токен сразу; deny -> терминальный отказ;
// require_approval -> pending + уведомление владельца.
func (b *Broker) RequestPermission(ctx context.Context, principalID string, evalReq policy.EvalRequest) (*Outcome, error) {
	decision := b.engine.Evaluate(ctx, principalID, evalReq)
	if b.metrics != nil {
		b.metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
	}

	now := time.Now()
	req := &domain.PermissionRequest{
		ID:          uuid.New().String(),
		PrincipalID: principalID,
		AgentID:     evalReq.AgentID,
		Action:      evalReq.Action,
		Scope:       evalReq.Scope,
		Context:     evalReq.Context,
		ExpiresAt:   now.Add(b.pendingTTL),
	}
	if evalReq.Resource != "" {
		req.Resource = &evalReq.Resource
	}
	if decision.Policy != nil {
		req.PolicyID = &decision.Policy.ID
	}

	b.auditor.Record(audit.Event{
		PrincipalID: principalID,
		AgentID:     evalReq.AgentID,
		RequestID:   req.ID,
		EventType:   audit.EventDecision,
		Details: map[string]any{
			"action":   evalReq.Action,
			"decision": decision.Action,
			"reason":   decision.Reason,
		},
	})

	switch decision.Action {
	case domain.ActionAutoApprove:
		return b.autoApprove(ctx, req, decision, now)

	case domain.ActionDeny:
		req.Status = domain.RequestDenied
		req.DecisionReason = decision.Reason
		req.DecidedBy = domain.DecidedByAuto
		req.DecidedAt = &now
		if err := b.requests.CreateRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("broker: persist denied request: %w", err)
		}
		return &Outcome{RequestID: req.ID, Status: domain.RequestDenied, Reason: decision.Reason}, nil

	default: // require_approval
		req.Status = domain.RequestPending
		req.DecisionReason = decision.Reason
		if err := b.requests.CreateRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("broker: persist pending request: %w", err)
		}
		b.notifyOwner(ctx, req)
		return &Outcome{
			RequestID: req.ID,
			Status:    domain.RequestPending,
			Reason:    decision.Reason,
			ExpiresAt: &req.ExpiresAt,
		}, nil
	}
}

func (b *Broker) autoApprove(ctx context.Context, req *domain.PermissionRequest, decision domain.Decision, now time.Time) (*Outcome, error) {
	req.Status = domain.RequestApproved
	req.Scope = decision.Scope // После слияния с шаблоном политики
	req.DecisionReason = decision.Reason
	req.DecidedBy = domain.DecidedByAuto
	req.DecidedAt = &now

	if err := b.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("broker: persist approved request: %w", err)
	}

	secret, err := b.tokens.Issue(ctx, req.ID, decision.Scope, 0, 0) // Дефолты: 1 использование, стандартный TTL
	if err != nil {
		return nil, fmt.Errorf("broker: token issue failed: %w", err)
	}

	return &Outcome{
		RequestID: req.ID,
		Status:    domain.RequestApproved,
		Reason:    decision.Reason,
		Scope:     decision.Scope,
		Secret:    secret,
	}, nil
}

// Decide фиксирует решение владельца (консоль или Telegram callback).
// Переход атомарен на уровне БД; повторное решение — ErrAlreadyDecided.
func (b *Broker) Decide(ctx context.Context, principalID, requestID string, approved bool, comment string) (*Outcome, error) {
	req, err := b.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("broker: fetch request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.PrincipalID != principalID {
		return nil, ErrNotOwner
	}

	// Ленивый перевод протухшего pending в expired: решение после дедлайна не принимается
	if req.Status == domain.RequestPending && time.Now().After(req.ExpiresAt) {
		b.expireRequest(ctx, requestID)
		return nil, domain.ErrAlreadyDecided
	}

	status := domain.RequestDenied
	reason := "denied by principal"
	if approved {
		status = domain.RequestApproved
		reason = "approved by principal"
	}
	if comment != "" {
		reason = reason + ": " + comment
	}

	// Контракт DecideRequest: отсутствие pending-строки -> domain.ErrAlreadyDecided
	decided, err := b.requests.DecideRequest(ctx, requestID, status, domain.DecidedByUser, reason, nil)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyDecided) {
			return nil, domain.ErrAlreadyDecided
		}
		return nil, fmt.Errorf("broker: decide request: %w", err)
	}

	outcome := &Outcome{RequestID: requestID, Status: status, Reason: reason}
	signal := decisionSignal{Status: status, Reason: reason}

	if approved {
		secret, err := b.tokens.Issue(ctx, requestID, decided.Scope, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("broker: token issue after approval failed: %w", err)
		}
		outcome.Secret = secret
		outcome.Scope = decided.Scope
		signal.Secret = secret
	}

	b.publishDecision(ctx, requestID, signal)

	b.auditor.Record(audit.Event{
		PrincipalID: principalID,
		AgentID:     decided.AgentID,
		RequestID:   requestID,
		EventType:   audit.EventRequestStatus,
		Details: map[string]any{
			"status":  status,
			"origin":  domain.DecidedByUser,
			"comment": comment,
		},
	})

	b.logger.Info("HITL decision processed",
		zap.String("request_id", requestID),
		zap.String("principal_id", principalID),
		zap.String("status", string(status)))

	return outcome, nil
}

// AwaitDecision блокирует вызывающего до решения человека или таймаута.
// Подписка оформляется до проверки статуса, чтобы не потерять сигнал,
// пришедший между SELECT и Subscribe. На таймауте запрос переводится
// в expired, его токены отзываются.
func (b *Broker) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (*Outcome, error) {
	pubsub := b.rdb.Subscribe(ctx, infra.DecisionChannel(requestID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("broker: decision channel subscribe failed: %w", err)
	}

	req, err := b.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("broker: fetch request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Status != domain.RequestPending {
		// Решение уже принято; секрет не переигрывается — он был отдан
		// тому, кто ждал в момент решения
		return &Outcome{RequestID: requestID, Status: req.Status, Reason: req.DecisionReason}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case msg := <-pubsub.Channel():
		var signal decisionSignal
		if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
			return nil, fmt.Errorf("broker: malformed decision signal: %w", err)
		}
		return &Outcome{
			RequestID: requestID,
			Status:    signal.Status,
			Reason:    signal.Reason,
			Secret:    signal.Secret,
		}, nil

	case <-timer.C:
		b.expireRequest(ctx, requestID)
		return &Outcome{
			RequestID: requestID,
			Status:    domain.RequestExpired,
			Reason:    "approval wait timed out",
		}, nil
	}
}

// ExpireOverdue — ленивая чистка протухших pending-запросов с отзывом
// их токенов. Дергается периодически из main.
func (b *Broker) ExpireOverdue(ctx context.Context) {
	ids, err := b.requests.ExpireOverdueRequests(ctx, time.Now())
	if err != nil {
		b.logger.Error("overdue request sweep failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := b.tokens.RevokeAllForRequest(ctx, id); err != nil {
			b.logger.Error("failed to revoke tokens of expired request",
				zap.String("request_id", id), zap.Error(err))
		}
		b.publishDecision(ctx, id, decisionSignal{
			Status: domain.RequestExpired,
			Reason: "approval wait timed out",
		})
		b.auditor.Record(audit.Event{
			RequestID: id,
			EventType: audit.EventRequestStatus,
			Details:   map[string]any{"status": domain.RequestExpired, "origin": domain.DecidedByTimeout},
		})
	}

	if len(ids) > 0 {
		b.logger.Info("expired overdue requests", zap.Int("count", len(ids)))
	}
}

// GetRequest — детали запроса для консоли/статусного эндпоинта
func (b *Broker) GetRequest(ctx context.Context, principalID, requestID string) (*domain.PermissionRequest, error) {
	req, err := b.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.PrincipalID != principalID {
		return nil, ErrNotOwner
	}
	return req, nil
}

// ListRequests — очередь запросов принципала (Decision Queue)
func (b *Broker) ListRequests(ctx context.Context, principalID string, status domain.RequestStatus) ([]*domain.PermissionRequest, error) {
	return b.requests.FindRequests(ctx, principalID, status)
}

func (b *Broker) expireRequest(ctx context.Context, requestID string) {
	_, err := b.requests.DecideRequest(ctx, requestID,
		domain.RequestExpired, domain.DecidedByTimeout, "approval wait timed out", nil)
	if err != nil {
		// Конкурент успел решить/просрочить раньше — это не сбой
		b.logger.Debug("request expiry skipped", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := b.tokens.RevokeAllForRequest(ctx, requestID); err != nil {
		b.logger.Error("failed to revoke tokens of expired request",
			zap.String("request_id", requestID), zap.Error(err))
	}
	b.auditor.Record(audit.Event{
		RequestID: requestID,
		EventType: audit.EventRequestStatus,
		Details:   map[string]any{"status": domain.RequestExpired, "origin": domain.DecidedByTimeout},
	})
}

// notifyOwner шлет HITL-уведомление; сбой доставки не фатален —
// запрос останется виден в очереди консоли
func (b *Broker) notifyOwner(ctx context.Context, req *domain.PermissionRequest) {
	principal, err := b.principals.GetPrincipalByID(ctx, req.PrincipalID)
	if err != nil || principal == nil {
		b.logger.Warn("cannot resolve notification target",
			zap.String("principal_id", req.PrincipalID), zap.Error(err))
		return
	}

	if err := b.notifier.NotifyPending(ctx, principal, req); err != nil {
		b.logger.Warn("pending notification delivery failed",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (b *Broker) publishDecision(ctx context.Context, requestID string, signal decisionSignal) {
	payload, _ := json.Marshal(signal)
	if err := b.rdb.Publish(ctx, infra.DecisionChannel(requestID), payload).Err(); err != nil {
		// Если Redis недоступен, ожидающая сторона завершится по таймауту (Fail-Safe)
		b.logger.Error("decision signal not delivered",
			zap.String("request_id", requestID), zap.Error(err))
	}
}
