package model

// Credentials はポータルのログイン情報。
// 保管は呼び出し元（セキュアストレージ）の責務で、セッション制御は試行ごとにコピーを受け取る。
type Credentials struct {
	Username string
	Password string
}

// Complete はユーザー名とパスワードの両方が設定されているかを返す。
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// SessionStatus はポータルセッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusIdle は未ログインの初期状態。
	SessionStatusIdle SessionStatus = "idle"
	// SessionStatusLoggingIn はログイン処理中。
	SessionStatusLoggingIn SessionStatus = "logging_in"
	// SessionStatusLoggedIn はログイン済み。
	SessionStatusLoggedIn SessionStatus = "logged_in"
	// SessionStatusError はログインに失敗した終端状態。
	SessionStatusError SessionStatus = "error"
)

// SessionSnapshot はセッション状態の読み取り専用コピー。
type SessionSnapshot struct {
	Status       SessionStatus `json:"status"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError,omitempty"`
}

// PageKind はポータル画面の分類。
type PageKind string

const (
	// PageLoginForm はログインフォーム画面。
	PageLoginForm PageKind = "login_form"
	// PagePrescriptionDetail は処方箋詳細画面。
	PagePrescriptionDetail PageKind = "prescription_detail"
	// PageOther はそれ以外（遷移中を含む）。
	PageOther PageKind = "other"
)

// PageState は現在の画面の分類結果。保存せず、必要なたびに画面から再判定する。
// 処方箋詳細画面の場合は画面に表示されている処方箋番号を持つ。
type PageState struct {
	Kind     PageKind `json:"kind"`
	ReceteNo string   `json:"receteNo,omitempty"`
}
