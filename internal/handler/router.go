package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/receteci/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HealthChecker     HealthChecker
	MetricsHandler    http.Handler

	Automation    AutomationService
	Credentials   CredentialProvider
	Runner        OperationRunner
	Prescriptions PrescriptionService
	Analyses      AnalysisService
	Cache         CacheClearer
	Credits       CreditsService
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → CORS
//
// ポータルへの遷移を伴うルートにはさらにRateLimitを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	automationHandler := NewAutomationHandler(deps.Automation, deps.Credentials)
	prescriptionHandler := NewPrescriptionHandler(deps.Prescriptions, deps.Analyses, deps.Runner, deps.Cache)
	creditsHandler := NewCreditsHandler(deps.Credits)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// ポータルに触れるルート
	portal := func(r chi.Router) chi.Router {
		if deps.RateLimiter == nil {
			return r
		}
		return r.With(deps.RateLimiter.Middleware())
	}

	r.Route("/api/automation", func(r chi.Router) {
		r.Get("/status", automationHandler.Status)
		r.Get("/ready", automationHandler.Ready)
		r.Get("/url", automationHandler.URL)
		r.Put("/debug", automationHandler.DebugMode)
		r.Post("/initialize", automationHandler.Initialize)
		r.Post("/restart", automationHandler.Restart)
		r.Post("/close", automationHandler.Close)

		portal(r).Post("/home", automationHandler.Home)
		portal(r).Post("/login", automationHandler.Login)
		portal(r).Post("/search", automationHandler.Search)
	})

	r.Route("/api/prescriptions/{receteNo}", func(r chi.Router) {
		portal(r).Get("/", prescriptionHandler.GetPrescription)
		r.Post("/analysis", prescriptionHandler.Analyze)
	})

	r.Delete("/api/cache", prescriptionHandler.ClearCache)

	r.Route("/api/credits", func(r chi.Router) {
		r.Get("/", creditsHandler.Get)
		r.Post("/reconcile", creditsHandler.Reconcile)
	})

	return r
}
