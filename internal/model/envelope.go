package model

import "errors"

// ErrCodeInternal は分類できない内部エラーのコード。
const ErrCodeInternal = "INTERNAL_ERROR"

// Envelope は自動化操作とAPIレスポンスの統一フォーマット。
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody はEnvelopeのエラー部分。原因（Cause）はUIに出さない。
type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// OK は成功のEnvelopeを返す。
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail は失敗のEnvelopeを返す。APIErrorを含まないエラーは内部エラーとして扱う。
func Fail(err error) Envelope {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = NewInternalError(err)
	}
	return Envelope{Error: &ErrorBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}}
}

// NewInternalError は内部エラーを生成する。詳細はCauseにのみ残す。
func NewInternalError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}
