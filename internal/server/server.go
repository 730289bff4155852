package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/permgate/internal/infra"
	"github.com/xela07ax/permgate/internal/infra/auth"
	"github.com/xela07ax/permgate/internal/server/handler"
	"go.uber.org/zap"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Проверка RS256-токенов обоих периметров
	validator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler       *handler.AuthHandler       // /auth/token, /v1/agents/token
	permissionHandler *handler.PermissionHandler // /v1/permissions, /v1/tokens (агенты)
	policyHandler     *handler.PolicyHandler     // /v1/policies
	approvalHandler   *handler.ApprovalHandler   // /v1/requests (HITL) + Telegram webhook
	auditHandler      *handler.AuditHandler      // /v1/audit
}

// NewServer инициализирует HTTP-сервер со всеми зависимостями
func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	permissionH *handler.PermissionHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalHandler,
	auditH *handler.AuditHandler,
) *Server {
	s := &Server{
		router:            chi.NewRouter(),
		logger:            logger.Named("http"),
		cfg:               cfg,
		validator:         validator,
		authHandler:       authH,
		permissionHandler: permissionH,
		policyHandler:     policyH,
		approvalHandler:   approvalH,
		auditHandler:      auditH,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Webhook Telegram: авторизация по привязке чата, не по JWT
		r.Post("/v1/telegram/callback", s.approvalHandler.TelegramCallback)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. АГЕНТСКИЙ ПЕРИМЕТР (JWT агента) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.AgentMiddleware(s.validator, s.logger))

		r.Post("/v1/permissions/request", s.permissionHandler.Request)
		r.Post("/v1/permissions/await", s.permissionHandler.Await)

		// Жизненный цикл эфемерного токена
		r.Route("/v1/tokens", func(r chi.Router) {
			r.Post("/verify", s.permissionHandler.Verify)
			r.Post("/consume", s.permissionHandler.Consume)
			r.Post("/revoke", s.permissionHandler.Revoke)
		})
	})

	// --- 4. КОНСОЛЬНЫЙ ПЕРИМЕТР (JWT принципала) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.PrincipalMiddleware(s.validator, s.logger))

		// Выпуск агентских токенов
		r.Post("/v1/agents/token", s.authHandler.MintAgentToken)

		// Управление Политиками (Policy Engine)
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Update)
				r.Delete("/", s.policyHandler.Delete)
			})
		})

		// Human-in-the-loop: очередь запросов и решения
		r.Route("/v1/requests", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Deny + Redis Publish
			})
		})

		// Аудит и Логи (Observability)
		r.Get("/v1/audit", s.auditHandler.GetLogs)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
