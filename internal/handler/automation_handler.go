package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/receteci/internal/middleware"
	"github.com/hitoshi/receteci/internal/model"
)

// AutomationService は自動化エンジンの操作。automation.Controllerが実装する。
type AutomationService interface {
	Initialize(ctx context.Context) model.Envelope
	NavigateToPortalHome(ctx context.Context) model.Envelope
	Login(ctx context.Context, creds model.Credentials) model.Envelope
	SearchRecord(ctx context.Context, receteNo string) model.Envelope
	IsReady() model.Envelope
	CurrentURL() model.Envelope
	Status() model.Envelope
	SetDebugMode(ctx context.Context, debug bool) model.Envelope
	Restart(ctx context.Context) model.Envelope
	Close(ctx context.Context) model.Envelope
}

// CredentialProvider はログイン時に使う認証情報を返す。
type CredentialProvider interface {
	Credentials(ctx context.Context) (model.Credentials, error)
}

// AutomationHandler は自動化エンジン操作のHTTPハンドラー。
type AutomationHandler struct {
	service AutomationService
	creds   CredentialProvider
}

// NewAutomationHandler はAutomationHandlerを生成する。
func NewAutomationHandler(service AutomationService, creds CredentialProvider) *AutomationHandler {
	return &AutomationHandler{service: service, creds: creds}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type searchRequest struct {
	ReceteNo string `json:"receteNo"`
}

type debugModeRequest struct {
	Enabled bool `json:"enabled"`
}

// Initialize はブラウザを導入・起動する。
// POST /api/automation/initialize
func (h *AutomationHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.Initialize(r.Context()))
}

// Home はポータルのトップ画面へ移動する。
// POST /api/automation/home
func (h *AutomationHandler) Home(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.NavigateToPortalHome(r.Context()))
}

// Login はポータルへログインする。
// ボディで認証情報が渡されない場合は保存済みの認証情報を使う。
// POST /api/automation/login
func (h *AutomationHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		middleware.WriteError(w, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	creds := model.Credentials{Username: req.Username, Password: req.Password}
	if !creds.Complete() && h.creds != nil {
		stored, err := h.creds.Credentials(r.Context())
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		creds = stored
	}

	middleware.WriteEnvelope(w, h.service.Login(r.Context(), creds))
}

// Search は処方箋を検索する。
// POST /api/automation/search
func (h *AutomationHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	middleware.WriteEnvelope(w, h.service.SearchRecord(r.Context(), req.ReceteNo))
}

// Status は自動化エンジンの状態を返す。
// GET /api/automation/status
func (h *AutomationHandler) Status(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.Status())
}

// Ready はブラウザが起動済みかを返す。
// GET /api/automation/ready
func (h *AutomationHandler) Ready(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.IsReady())
}

// URL は現在のページURLを返す。
// GET /api/automation/url
func (h *AutomationHandler) URL(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.CurrentURL())
}

// DebugMode はブラウザ画面の表示を切り替える。
// PUT /api/automation/debug
func (h *AutomationHandler) DebugMode(w http.ResponseWriter, r *http.Request) {
	var req debugModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	middleware.WriteEnvelope(w, h.service.SetDebugMode(r.Context(), req.Enabled))
}

// Restart はブラウザを再起動する。
// POST /api/automation/restart
func (h *AutomationHandler) Restart(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.Restart(r.Context()))
}

// Close はブラウザを終了する。
// POST /api/automation/close
func (h *AutomationHandler) Close(w http.ResponseWriter, r *http.Request) {
	middleware.WriteEnvelope(w, h.service.Close(r.Context()))
}

// decodeOptionalJSON は空ボディを許容してJSONを読み込む。
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
