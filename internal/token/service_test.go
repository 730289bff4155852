package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"go.uber.org/zap"
)

// fakeRepo — хранилище в памяти с той же семантикой условного
// декремента, что и у Postgres-реализации
type fakeRepo struct {
	mu      sync.Mutex
	byHash  map[string]*domain.Token
	byID    map[string]*domain.Token
	failAll bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byHash: make(map[string]*domain.Token),
		byID:   make(map[string]*domain.Token),
	}
}

func (f *fakeRepo) CreateToken(ctx context.Context, t *domain.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("store down")
	}
	cp := *t
	f.byHash[t.SecretHash] = &cp
	f.byID[t.ID] = &cp
	return nil
}

func (f *fakeRepo) GetTokenBySecretHash(ctx context.Context, secretHash string) (*domain.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("store down")
	}
	t, ok := f.byHash[secretHash]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRepo) ConsumeUse(ctx context.Context, tokenID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("store down")
	}
	t, ok := f.byID[tokenID]
	if !ok || t.RevokedAt != nil || time.Now().After(t.ExpiresAt) || t.UsesRemaining == 0 {
		return 0, ErrNoUsableUses
	}
	if t.UsesRemaining == domain.UnlimitedUses {
		return domain.UnlimitedUses, nil
	}
	t.UsesRemaining--
	return t.UsesRemaining, nil
}

func (f *fakeRepo) RevokeToken(ctx context.Context, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[tokenID]
	if !ok {
		return errors.New("not found")
	}
	now := time.Now()
	t.RevokedAt = &now
	return nil
}

func (f *fakeRepo) RevokeAllForRequest(ctx context.Context, requestID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hashes []string
	now := time.Now()
	for _, t := range f.byID {
		if t.RequestID == requestID && t.RevokedAt == nil {
			t.RevokedAt = &now
			hashes = append(hashes, t.SecretHash)
		}
	}
	return hashes, nil
}

type fakeRequests struct {
	mu   sync.Mutex
	used []string
}

func (f *fakeRequests) MarkRequestUsed(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, requestID)
	return nil
}

func (f *fakeRequests) usedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.used)
}

// fakeCache повторяет best-effort контракт Redis-проекции
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]domain.CachedToken
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]domain.CachedToken)}
}

func (f *fakeCache) Put(ctx context.Context, secretHash string, entry domain.CachedToken) {
	if time.Until(entry.ExpiresAt) <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[secretHash] = entry
}

func (f *fakeCache) Get(ctx context.Context, secretHash string) (domain.CachedToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[secretHash]
	return e, ok
}

func (f *fakeCache) Delete(ctx context.Context, secretHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, secretHash)
}

type nopRecorder struct{}

func (nopRecorder) Record(audit.Event) {}

type fixture struct {
	svc      *Service
	repo     *fakeRepo
	requests *fakeRequests
	cache    *fakeCache
}

func newFixture() *fixture {
	repo := newFakeRepo()
	requests := &fakeRequests{}
	cache := newFakeCache()
	svc := NewService(repo, requests, cache, nopRecorder{}, nil, zap.NewNop(), infra.TokenConfig{
		DefaultTTL: 5 * time.Minute,
		MinTTL:     30 * time.Second,
		MaxTTL:     time.Hour,
	})
	return &fixture{svc: svc, repo: repo, requests: requests, cache: cache}
}

func TestIssue_DefaultsAndClamp(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", map[string]any{"path": "/tmp"}, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	// Секрет не хранится: в репозитории только дайджест
	stored, err := fx.repo.GetTokenBySecretHash(ctx, hashSecret(secret))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEqual(t, secret, stored.SecretHash)
	assert.Equal(t, 1, stored.UsesRemaining) // 0 -> одноразовый
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), stored.ExpiresAt, 5*time.Second)

	// TTL ниже минимума поднимается до него
	secret2, err := fx.svc.Issue(ctx, "req-2", nil, 1, time.Second)
	require.NoError(t, err)
	stored2, _ := fx.repo.GetTokenBySecretHash(ctx, hashSecret(secret2))
	assert.WithinDuration(t, time.Now().Add(30*time.Second), stored2.ExpiresAt, 5*time.Second)

	// TTL выше максимума урезается
	secret3, err := fx.svc.Issue(ctx, "req-3", nil, 1, 100*time.Hour)
	require.NoError(t, err)
	stored3, _ := fx.repo.GetTokenBySecretHash(ctx, hashSecret(secret3))
	assert.WithinDuration(t, time.Now().Add(time.Hour), stored3.ExpiresAt, 5*time.Second)
}

func TestIssue_InvalidUses(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.Issue(context.Background(), "req-1", nil, -2, 0)
	assert.Error(t, err)

	_, err = fx.svc.Issue(context.Background(), "", nil, 1, 0)
	assert.Error(t, err)
}

func TestIssue_UniqueSecrets(t *testing.T) {
	fx := newFixture()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		secret, err := fx.svc.Issue(context.Background(), "req-1", nil, 1, 0)
		require.NoError(t, err)
		assert.False(t, seen[secret])
		seen[secret] = true
	}
}

func TestVerify_DoesNotMutate(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", map[string]any{"k": "v"}, 3, 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res := fx.svc.Verify(ctx, secret, "req-1")
		assert.True(t, res.Valid)
		assert.Equal(t, 3, res.UsesRemaining)
		assert.Equal(t, "v", res.Scope["k"])
	}

	stored, _ := fx.repo.GetTokenBySecretHash(ctx, hashSecret(secret))
	assert.Equal(t, 3, stored.UsesRemaining)
	assert.Equal(t, 0, fx.requests.usedCount())
}

func TestVerify_Rejections(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	res := fx.svc.Verify(ctx, "no-such-secret", "req-1")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonNotFound, res.Reason)

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	require.NoError(t, err)

	// Чужой request_id
	res = fx.svc.Verify(ctx, secret, "req-other")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonMismatch, res.Reason)

	// Отзыв: сперва чистим кэш-путь, затем БД репортит revoked
	assert.True(t, fx.svc.Revoke(ctx, secret, "req-1"))
	res = fx.svc.Verify(ctx, secret, "req-1")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonRevoked, res.Reason)
}

func TestVerify_StoreFailureIsInvalidNotError(t *testing.T) {
	fx := newFixture()
	fx.repo.failAll = true

	res := fx.svc.Verify(context.Background(), "whatever", "req-1")
	assert.False(t, res.Valid)
	assert.Equal(t, "token store unavailable", res.Reason)
}

func TestConsume_CountsDownAndMarksUsed(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 2, 0)
	require.NoError(t, err)

	res, err := fx.svc.Consume(ctx, secret, "req-1", map[string]any{"op": "read"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.UsesRemaining)
	assert.Equal(t, 0, fx.requests.usedCount())

	res, err = fx.svc.Consume(ctx, secret, "req-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.UsesRemaining)
	// Последнее списание переводит запрос в used и чистит проекцию
	assert.Equal(t, 1, fx.requests.usedCount())
	_, cached := fx.cache.Get(ctx, hashSecret(secret))
	assert.False(t, cached)

	// Исчерпанный токен
	res, err = fx.svc.Consume(ctx, secret, "req-1", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonConsumed, res.Reason)
}

func TestConsume_ConcurrentSingleUse(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	successes := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := fx.svc.Consume(ctx, secret, "req-1", nil)
			if err == nil && res.Success {
				successes <- true
			}
		}()
	}
	wg.Wait()
	close(successes)

	// Ровно одно списание при uses_remaining = 1, сколько бы ни было гонок
	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, fx.requests.usedCount())
}

func TestConsume_UnlimitedToken(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, domain.UnlimitedUses, 0)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		res, err := fx.svc.Consume(ctx, secret, "req-1", nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, domain.UnlimitedUses, res.UsesRemaining)
	}

	// Безлимит не исчерпывается и не переводит запрос в used
	assert.Equal(t, 0, fx.requests.usedCount())
	stored, _ := fx.repo.GetTokenBySecretHash(ctx, hashSecret(secret))
	assert.Equal(t, domain.UnlimitedUses, stored.UsesRemaining)
}

func TestConsume_MismatchDoesNotBurn(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	require.NoError(t, err)

	res, err := fx.svc.Consume(ctx, secret, "req-wrong", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonMismatch, res.Reason)

	// Неудачная попытка не тратит использование
	res, err = fx.svc.Consume(ctx, secret, "req-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestConsume_StoreFailurePropagates(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	require.NoError(t, err)

	// Выбиваем кэш, чтобы precheck пошел в упавшую БД
	fx.cache.Delete(ctx, hashSecret(secret))
	fx.repo.failAll = true

	_, err = fx.svc.Consume(ctx, secret, "req-1", nil)
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 5, 0)
	require.NoError(t, err)

	assert.False(t, fx.svc.Revoke(ctx, secret, "req-wrong")) // Чужой запрос
	assert.True(t, fx.svc.Revoke(ctx, secret, "req-1"))
	assert.False(t, fx.svc.Revoke(ctx, secret, "req-1")) // Повторный отзыв

	res, err := fx.svc.Consume(ctx, secret, "req-1", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRevokeAllForRequest(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	s1, _ := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	s2, _ := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	s3, _ := fx.svc.Issue(ctx, "req-other", nil, 1, 0)

	require.NoError(t, fx.svc.RevokeAllForRequest(ctx, "req-1"))

	assert.False(t, fx.svc.Verify(ctx, s1, "req-1").Valid)
	assert.False(t, fx.svc.Verify(ctx, s2, "req-1").Valid)
	assert.True(t, fx.svc.Verify(ctx, s3, "req-other").Valid)

	// Идемпотентность: запрос без живых токенов — no-op
	require.NoError(t, fx.svc.RevokeAllForRequest(ctx, "req-1"))
}

func TestExpiredToken(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	secret, err := fx.svc.Issue(ctx, "req-1", nil, 1, 0)
	require.NoError(t, err)

	// Симулируем истечение прямо в хранилище и кэше
	hash := hashSecret(secret)
	fx.cache.Delete(ctx, hash)
	fx.repo.mu.Lock()
	fx.repo.byHash[hash].ExpiresAt = time.Now().Add(-time.Minute)
	fx.repo.mu.Unlock()

	res := fx.svc.Verify(ctx, secret, "req-1")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonExpired, res.Reason)

	cres, err := fx.svc.Consume(ctx, secret, "req-1", nil)
	require.NoError(t, err)
	assert.False(t, cres.Success)
	assert.Equal(t, domain.ReasonExpired, cres.Reason)
}

func TestVerify_CacheLookupMetrics(t *testing.T) {
	repo := newFakeRepo()
	cache := newFakeCache()
	m := infra.NewMetrics(prometheus.NewRegistry())
	svc := NewService(repo, &fakeRequests{}, cache, nopRecorder{}, m, zap.NewNop(), infra.TokenConfig{
		DefaultTTL: 5 * time.Minute,
		MinTTL:     30 * time.Second,
		MaxTTL:     time.Hour,
	})
	ctx := context.Background()

	secret, err := svc.Issue(ctx, "req-1", nil, 2, 0)
	require.NoError(t, err)

	// Проекция легла в кэш при выдаче, первый verify попадает в нее
	res := svc.Verify(ctx, secret, "req-1")
	assert.True(t, res.Valid)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokenCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TokenCacheLookups.WithLabelValues("miss")))

	// Без проекции verify уходит в БД и фиксирует промах
	cache.Delete(ctx, hashSecret(secret))
	res = svc.Verify(ctx, secret, "req-1")
	assert.True(t, res.Valid)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokenCacheLookups.WithLabelValues("miss")))
}
