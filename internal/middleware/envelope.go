package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/receteci/internal/model"
)

// statusByCode はエラーコードごとのHTTPステータス。
var statusByCode = map[string]int{
	model.ErrCodeInvalidRequest:         http.StatusBadRequest,
	model.ErrCodeMissingCredentials:     http.StatusPreconditionFailed,
	model.ErrCodeLoginRejected:          http.StatusUnauthorized,
	model.ErrCodeInvalidSecurityCode:    http.StatusUnauthorized,
	model.ErrCodeMaxAttemptsExceeded:    http.StatusUnauthorized,
	model.ErrCodeIPNotAuthorized:        http.StatusForbidden,
	model.ErrCodeRecordNotFound:         http.StatusNotFound,
	model.ErrCodeRateLimited:            http.StatusTooManyRequests,
	model.ErrCodeFormNotFound:           http.StatusBadGateway,
	model.ErrCodeCaptchaElementNotFound: http.StatusBadGateway,
	model.ErrCodeCaptchaServiceError:    http.StatusBadGateway,
	model.ErrCodeScrapeIncomplete:       http.StatusBadGateway,
	model.ErrCodeScoringServiceError:    http.StatusBadGateway,
	model.ErrCodeDriverUnavailable:      http.StatusServiceUnavailable,
	model.ErrCodeOperationTimeout:       http.StatusGatewayTimeout,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteEnvelope は統一フォーマットでレスポンスを書き込む。
// ステータスは成功なら200、失敗ならエラーコードから決める。
func WriteEnvelope(w http.ResponseWriter, env model.Envelope) {
	status := http.StatusOK
	if !env.Success && env.Error != nil {
		status = StatusForCode(env.Error.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// WriteOK は成功レスポンスを書き込む。
func WriteOK(w http.ResponseWriter, data any) {
	WriteEnvelope(w, model.OK(data))
}

// WriteError はエラーを統一フォーマットで書き込む。APIErrorを含まない場合は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	WriteEnvelope(w, model.Fail(err))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteEnvelope(w, model.Fail(model.NewInternalError(nil)))
}
