// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: session, captcha, record, analysis, validation, system
	Action   string // ユーザー向け対処方法
	Cause    error  // 直前の原因（ログ用、UIには出さない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeMissingCredentials     = "MISSING_CREDENTIALS"
	ErrCodeFormNotFound           = "FORM_NOT_FOUND"
	ErrCodeCaptchaElementNotFound = "CAPTCHA_ELEMENT_NOT_FOUND"
	ErrCodeCaptchaServiceError    = "CAPTCHA_SERVICE_ERROR"
	ErrCodeIPNotAuthorized        = "IP_NOT_AUTHORIZED"
	ErrCodeInvalidSecurityCode    = "INVALID_SECURITY_CODE"
	ErrCodeLoginRejected          = "LOGIN_REJECTED"
	ErrCodeMaxAttemptsExceeded    = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeRecordNotFound         = "RECORD_NOT_FOUND"
	ErrCodeScrapeIncomplete       = "SCRAPE_INCOMPLETE"
	ErrCodeScoringServiceError    = "SCORING_SERVICE_ERROR"
	ErrCodeDriverUnavailable      = "DRIVER_UNAVAILABLE"
	ErrCodeOperationTimeout       = "OPERATION_TIMEOUT"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
)

// ErrorCode はエラーチェーンからAPIErrorのコードを取り出す。
// APIErrorを含まない場合は空文字列を返す。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsCode はエラーチェーンに指定コードのAPIErrorが含まれるかを判定する。
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewMissingCredentialsError は認証情報未設定エラーを生成する。
func NewMissingCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingCredentials,
		Message:  "ポータルのユーザー名またはパスワードが設定されていません。",
		Category: "session",
		Action:   "設定画面で認証情報を登録してください。",
	}
}

// NewFormNotFoundError は期待するフォームが表示されなかった場合のエラーを生成する。
func NewFormNotFoundError(selector string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeFormNotFound,
		Message:  fmt.Sprintf("ポータルの画面要素が表示されませんでした: %s", selector),
		Category: "session",
		Action:   "ポータルが応答しているか確認し、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewCaptchaElementNotFoundError はセキュリティコード画像が見つからない場合のエラーを生成する。
func NewCaptchaElementNotFoundError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeCaptchaElementNotFound,
		Message:  "ログイン画面にセキュリティコード画像が見つかりません。",
		Category: "captcha",
		Action:   "ポータルのログイン画面を再読み込みしてください。",
		Cause:    cause,
	}
}

// NewCaptchaServiceError はセキュリティコード解読サービスの失敗エラーを生成する。
func NewCaptchaServiceError(reason string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeCaptchaServiceError,
		Message:  fmt.Sprintf("セキュリティコードの解読に失敗しました: %s", reason),
		Category: "captcha",
		Action:   "しばらく待ってから再度ログインしてください。",
		Cause:    cause,
	}
}

// NewIPNotAuthorizedError はIPアドレス未許可エラーを生成する。
// 再試行しても成功しないため、呼び出し元は即座に終了する。
func NewIPNotAuthorizedError(banner string) *APIError {
	return &APIError{
		Code:     ErrCodeIPNotAuthorized,
		Message:  fmt.Sprintf("このIPアドレスからのログインは許可されていません: %s", banner),
		Category: "session",
		Action:   "許可されたネットワークから接続するか、ポータル管理者にIP登録を依頼してください。",
	}
}

// NewInvalidSecurityCodeError はセキュリティコード不一致エラーを生成する。
func NewInvalidSecurityCodeError(banner string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSecurityCode,
		Message:  fmt.Sprintf("セキュリティコードが正しくありません: %s", banner),
		Category: "captcha",
		Action:   "自動で再試行します。",
	}
}

// NewLoginRejectedError はポータルがログインを拒否した場合のエラーを生成する。
// バナーの文言をそのままメッセージに含める。
func NewLoginRejectedError(banner string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginRejected,
		Message:  banner,
		Category: "session",
		Action:   "ユーザー名とパスワードを確認してください。",
	}
}

// NewMaxAttemptsExceededError はログイン試行回数超過エラーを生成する。
// causeには最後の試行で発生した原因を渡す。
func NewMaxAttemptsExceededError(attempts int, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeMaxAttemptsExceeded,
		Message:  fmt.Sprintf("ログインを%d回試行しましたが成功しませんでした。", attempts),
		Category: "session",
		Action:   "しばらく待ってから再度ログインしてください。",
		Cause:    cause,
	}
}

// NewRecordNotFoundError は処方箋未検出エラーを生成する。
func NewRecordNotFoundError(receteNo string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("指定された処方箋が見つかりません: %s", receteNo),
		Category: "record",
		Action:   "処方箋番号を確認してください。",
	}
}

// NewScrapeIncompleteError はレポート詳細の取得失敗エラーを生成する。
func NewScrapeIncompleteError(barkod string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeScrapeIncomplete,
		Message:  fmt.Sprintf("薬品のレポート詳細を取得できませんでした: %s", barkod),
		Category: "record",
		Action:   "強制再取得で再度お試しください。",
		Cause:    cause,
	}
}

// NewScoringServiceError はレポート評価サービスの失敗エラーを生成する。
// バッチ全体は中断せず、該当薬品のみ失敗として扱う。
func NewScoringServiceError(barkod string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeScoringServiceError,
		Message:  fmt.Sprintf("薬品の評価に失敗しました: %s", barkod),
		Category: "analysis",
		Action:   "該当の薬品のみ再評価してください。",
		Cause:    cause,
	}
}

// NewDriverUnavailableError はブラウザ未起動・クラッシュ時のエラーを生成する。
func NewDriverUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeDriverUnavailable,
		Message:  "ブラウザが起動していません。",
		Category: "system",
		Action:   "自動化エンジンを再起動してください。",
		Cause:    cause,
	}
}

// NewOperationTimeoutError は境界タイムアウト超過エラーを生成する。
func NewOperationTimeoutError(op string, timeout time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeOperationTimeout,
		Message:  fmt.Sprintf("操作がタイムアウトしました: %s (%s)", op, timeout),
		Category: "system",
		Action:   "ポータルの画面状態を確認してから再度お試しください。",
	}
}

// NewInvalidRequestError は入力値不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// ErrCodeRateLimited はリクエスト過多のエラーコード。
const ErrCodeRateLimited = "RATE_LIMITED"

// NewRateLimitedError はポータル操作のリクエスト過多エラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  fmt.Sprintf("リクエストが多すぎます。%s後に再度お試しください。", retryAfter),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
