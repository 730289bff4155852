package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/policy"
	"go.uber.org/zap"
)

type fakeEvaluator struct {
	decision domain.Decision
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, principalID string, req policy.EvalRequest) domain.Decision {
	return f.decision
}

type fakeIssuer struct {
	mu      sync.Mutex
	issued  []string // request ids
	revoked []string
}

func (f *fakeIssuer) Issue(ctx context.Context, requestID string, scope map[string]any, usesRemaining int, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, requestID)
	return "secret-" + requestID, nil
}

func (f *fakeIssuer) RevokeAllForRequest(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, requestID)
	return nil
}

// fakeRequestRepo повторяет семантику условного UPDATE из Postgres
type fakeRequestRepo struct {
	mu       sync.Mutex
	requests map[string]*domain.PermissionRequest
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{requests: make(map[string]*domain.PermissionRequest)}
}

func (f *fakeRequestRepo) CreateRequest(ctx context.Context, r *domain.PermissionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.CreatedAt = time.Now()
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *fakeRequestRepo) GetRequestByID(ctx context.Context, id string) (*domain.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRequestRepo) FindRequests(ctx context.Context, principalID string, status domain.RequestStatus) ([]*domain.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.PermissionRequest, 0)
	for _, r := range f.requests {
		if r.PrincipalID == principalID && (status == "" || r.Status == status) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRequestRepo) DecideRequest(ctx context.Context, id string, status domain.RequestStatus, origin domain.DecisionOrigin, reason string, policyID *string) (*domain.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok || r.Status != domain.RequestPending {
		return nil, domain.ErrAlreadyDecided
	}
	now := time.Now()
	r.Status = status
	r.DecidedBy = origin
	r.DecisionReason = reason
	r.DecidedAt = &now
	cp := *r
	return &cp, nil
}

func (f *fakeRequestRepo) ExpireOverdueRequests(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, r := range f.requests {
		if r.Status == domain.RequestPending && !r.ExpiresAt.After(now) {
			r.Status = domain.RequestExpired
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

type fakePrincipals struct{}

func (fakePrincipals) GetPrincipalByID(ctx context.Context, id string) (*domain.Principal, error) {
	return &domain.Principal{ID: id, TelegramChat: 1}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakeNotifier) NotifyPending(ctx context.Context, principal *domain.Principal, req *domain.PermissionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, req.ID)
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Record(audit.Event) {}

// deadRedis — клиент, который мгновенно падает: сигнальные публикации
// в брокере best-effort, тесты проверяют пути без Redis
func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     50 * time.Millisecond,
		ReadTimeout:     50 * time.Millisecond,
		WriteTimeout:    50 * time.Millisecond,
		MaxRetries:      -1,
		PoolTimeout:     50 * time.Millisecond,
		MinIdleConns:    0,
		ConnMaxIdleTime: time.Millisecond,
	})
}

type brokerFixture struct {
	broker   *Broker
	eval     *fakeEvaluator
	issuer   *fakeIssuer
	requests *fakeRequestRepo
	notifier *fakeNotifier
}

func newBrokerFixture(decision domain.Decision) *brokerFixture {
	eval := &fakeEvaluator{decision: decision}
	issuer := &fakeIssuer{}
	requests := newFakeRequestRepo()
	notifier := &fakeNotifier{}

	b := NewBroker(eval, issuer, requests, fakePrincipals{}, notifier,
		deadRedis(), nopRecorder{}, nil, zap.NewNop(), 15*time.Minute)

	return &brokerFixture{broker: b, eval: eval, issuer: issuer, requests: requests, notifier: notifier}
}

func TestRequestPermission_AutoApprove(t *testing.T) {
	mergedScope := map[string]any{"path": "/workspace", "readonly": true}
	fx := newBrokerFixture(domain.Decision{
		Action: domain.ActionAutoApprove,
		Scope:  mergedScope,
		Reason: `matched policy "allow reads"`,
	})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1",
		Action:  "read_file",
		Scope:   map[string]any{"path": "/workspace"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RequestApproved, out.Status)
	assert.Equal(t, "secret-"+out.RequestID, out.Secret)
	assert.Equal(t, mergedScope, out.Scope)

	// Запрос персистится уже со слитым scope
	stored, _ := fx.requests.GetRequestByID(context.Background(), out.RequestID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.RequestApproved, stored.Status)
	assert.Equal(t, domain.DecidedByAuto, stored.DecidedBy)
	assert.Equal(t, mergedScope, stored.Scope)
	assert.Empty(t, fx.notifier.notified)
}

func TestRequestPermission_Deny(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{
		Action: domain.ActionDeny,
		Reason: `matched policy "deny prod"`,
	})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "drop_table",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RequestDenied, out.Status)
	assert.Empty(t, out.Secret)
	assert.Empty(t, fx.issuer.issued)

	stored, _ := fx.requests.GetRequestByID(context.Background(), out.RequestID)
	assert.Equal(t, domain.RequestDenied, stored.Status)
}

func TestRequestPermission_Pending(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{
		Action: domain.ActionRequireApproval,
		Reason: domain.ReasonNoMatchPolicy,
	})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "write_file",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RequestPending, out.Status)
	assert.Empty(t, out.Secret)
	require.NotNil(t, out.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *out.ExpiresAt, 5*time.Second)

	// Владелец получил уведомление, токен не выдан
	assert.Equal(t, []string{out.RequestID}, fx.notifier.notified)
	assert.Empty(t, fx.issuer.issued)
}

func TestDecide_Approve(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{Action: domain.ActionRequireApproval})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "write_file",
	})
	require.NoError(t, err)

	decided, err := fx.broker.Decide(context.Background(), "pr-1", out.RequestID, true, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, decided.Status)
	assert.NotEmpty(t, decided.Secret)
	assert.Equal(t, []string{out.RequestID}, fx.issuer.issued)

	// Повторное решение — конфликт
	_, err = fx.broker.Decide(context.Background(), "pr-1", out.RequestID, false, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
}

func TestDecide_Deny(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{Action: domain.ActionRequireApproval})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "write_file",
	})
	require.NoError(t, err)

	decided, err := fx.broker.Decide(context.Background(), "pr-1", out.RequestID, false, "too risky")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestDenied, decided.Status)
	assert.Empty(t, decided.Secret)
	assert.Empty(t, fx.issuer.issued)
	assert.Contains(t, decided.Reason, "too risky")
}

func TestDecide_OwnershipAndMissing(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{Action: domain.ActionRequireApproval})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "x",
	})
	require.NoError(t, err)

	_, err = fx.broker.Decide(context.Background(), "pr-intruder", out.RequestID, true, "")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = fx.broker.Decide(context.Background(), "pr-1", "no-such-request", true, "")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestDecide_AfterDeadline(t *testing.T) {
	eval := &fakeEvaluator{decision: domain.Decision{Action: domain.ActionRequireApproval}}
	issuer := &fakeIssuer{}
	requests := newFakeRequestRepo()
	// Нулевой TTL заменяется дефолтом конструктора, поэтому задаем маленький
	b := NewBroker(eval, issuer, requests, fakePrincipals{}, &fakeNotifier{},
		deadRedis(), nopRecorder{}, nil, zap.NewNop(), time.Millisecond)

	out, err := b.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "x",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// Решение после дедлайна не принимается, запрос переводится в expired
	_, err = b.Decide(context.Background(), "pr-1", out.RequestID, true, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	stored, _ := requests.GetRequestByID(context.Background(), out.RequestID)
	assert.Equal(t, domain.RequestExpired, stored.Status)
	assert.Equal(t, []string{out.RequestID}, issuer.revoked)
	assert.Empty(t, issuer.issued)
}

func TestExpireOverdue(t *testing.T) {
	eval := &fakeEvaluator{decision: domain.Decision{Action: domain.ActionRequireApproval}}
	issuer := &fakeIssuer{}
	requests := newFakeRequestRepo()
	b := NewBroker(eval, issuer, requests, fakePrincipals{}, &fakeNotifier{},
		deadRedis(), nopRecorder{}, nil, zap.NewNop(), time.Millisecond)

	out, err := b.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "x",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	b.ExpireOverdue(context.Background())

	stored, _ := requests.GetRequestByID(context.Background(), out.RequestID)
	assert.Equal(t, domain.RequestExpired, stored.Status)
	assert.Equal(t, []string{out.RequestID}, issuer.revoked)
}

func TestGetRequest_Ownership(t *testing.T) {
	fx := newBrokerFixture(domain.Decision{Action: domain.ActionDeny})

	out, err := fx.broker.RequestPermission(context.Background(), "pr-1", policy.EvalRequest{
		AgentID: "agent-1", Action: "x",
	})
	require.NoError(t, err)

	got, err := fx.broker.GetRequest(context.Background(), "pr-1", out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, out.RequestID, got.ID)

	_, err = fx.broker.GetRequest(context.Background(), "pr-2", out.RequestID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = fx.broker.GetRequest(context.Background(), "pr-1", "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
