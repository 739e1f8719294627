package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/receteci/internal/billing"
	"github.com/hitoshi/receteci/internal/middleware"
)

// CreditsService は利用単位の残高投影。billing.Projectionが実装する。
type CreditsService interface {
	Snapshot() billing.Snapshot
	Reconcile(ctx context.Context) (billing.Snapshot, error)
}

// CreditsHandler は残高表示のHTTPハンドラー。
type CreditsHandler struct {
	service CreditsService
}

// NewCreditsHandler はCreditsHandlerを生成する。
func NewCreditsHandler(service CreditsService) *CreditsHandler {
	return &CreditsHandler{service: service}
}

// Get は現在の残高投影を返す。
// GET /api/credits
func (h *CreditsHandler) Get(w http.ResponseWriter, r *http.Request) {
	middleware.WriteOK(w, h.service.Snapshot())
}

// Reconcile は課金サービスの残高で投影を置き換える。
// POST /api/credits/reconcile
func (h *CreditsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Reconcile(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteOK(w, snap)
}

// HealthChecker はDB接続の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler は/healthのハンドラーを返す。DBに到達できない場合は503を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
