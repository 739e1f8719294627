package portal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
)

// SessionConfig はログイン処理の設定。
type SessionConfig struct {
	LoginURL     string
	MaxAttempts  int           // 試行回数の上限（既定5）
	AttemptDelay time.Duration // 試行間の最小間隔（既定2秒、0で無制限）
	FormTimeout  time.Duration // ログインフォーム表示の待機時間（既定10秒）
	LoadTimeout  time.Duration // 送信後の読み込み待機時間（既定15秒）
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptDelay < 0 {
		c.AttemptDelay = 0
	}
	if c.FormTimeout <= 0 {
		c.FormTimeout = 10 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 15 * time.Second
	}
	return c
}

// credentialFill はfillCredentialsScriptの結果。
type credentialFill struct {
	Username bool `json:"username"`
	Password bool `json:"password"`
}

// loginSubmit はsubmitLoginScriptの結果。
type loginSubmit struct {
	Code      bool `json:"code"`
	Consent   bool `json:"consent"`
	Submitted bool `json:"submitted"`
}

// Session はポータルのログインセッションを管理する状態機械。
// 状態遷移: Idle → LoggingIn → {LoggedIn | Error}。
// Loginの再実行またはResetでいつでもやり直せる。プロセスごとに1つだけ存在する。
type Session struct {
	captcha  *CaptchaStep
	detector *Detector
	sel      Selectors
	cfg      SessionConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu           sync.Mutex
	status       model.SessionStatus
	attemptCount int
	lastError    string
	onChange     func(model.SessionSnapshot)
}

// NewSession は新しいSessionを生成する。
func NewSession(solver Solver, sel Selectors, cfg SessionConfig, logger *slog.Logger, m metrics.MetricsCollector) *Session {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.AttemptDelay > 0 {
		limit = rate.Every(cfg.AttemptDelay)
	}
	return &Session{
		captcha:  NewCaptchaStep(solver, sel),
		detector: NewDetector(sel),
		sel:      sel,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		metrics:  metrics.OrNop(m),
		status:   model.SessionStatusIdle,
	}
}

// SetOnChange は状態変化時に呼ばれるフックを設定する。
func (s *Session) SetOnChange(fn func(model.SessionSnapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Snapshot は現在の状態のコピーを返す。
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.SessionSnapshot {
	return model.SessionSnapshot{
		Status:       s.status,
		AttemptCount: s.attemptCount,
		LastError:    s.lastError,
	}
}

// Reset はセッションを初期状態に戻す。ブラウザの再起動・終了時に呼ぶ。
func (s *Session) Reset() {
	s.transition(model.SessionStatusIdle, nil, true)
}

// transition は状態を更新し、変化があればフックを呼ぶ。
func (s *Session) transition(status model.SessionStatus, cause error, resetAttempts bool) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	if resetAttempts {
		s.attemptCount = 0
	}
	if cause != nil {
		s.lastError = cause.Error()
	} else if status != model.SessionStatusError {
		s.lastError = ""
	}
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if changed && fn != nil {
		fn(snap)
	}
}

func (s *Session) incrementAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptCount++
	return s.attemptCount
}

// fail は終端エラー状態に遷移してerrを返す。
func (s *Session) fail(err error) error {
	s.transition(model.SessionStatusError, err, false)
	return err
}

// Login はログイン画面が表示されている前提でログインを実行する。
// セキュリティコード不一致と判定不能な結果は上限まで再試行し、それ以外の失敗は即座に終了する。
func (s *Session) Login(ctx context.Context, d browser.Driver, creds model.Credentials) error {
	s.transition(model.SessionStatusLoggingIn, nil, true)

	if !creds.Complete() {
		return s.fail(model.NewMissingCredentialsError())
	}

	var lastErr error
	for {
		if s.Snapshot().AttemptCount >= s.cfg.MaxAttempts {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return s.fail(err)
		}
		attempt := s.incrementAttempt()

		retry, err := s.attempt(ctx, d, creds, attempt)
		if err == nil {
			s.metrics.RecordLoginAttempt(metrics.LoginOutcomeSuccess)
			s.logger.Info("ポータルへのログインに成功しました", slog.Int("attempt", attempt))
			s.transition(model.SessionStatusLoggedIn, nil, false)
			return nil
		}
		if !retry {
			s.logger.Warn("ポータルへのログインに失敗しました",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return s.fail(err)
		}

		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeRetry)
		s.logger.Info("ポータルへのログインを再試行します",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		lastErr = err

		if attempt < s.cfg.MaxAttempts {
			if err := d.Goto(ctx, s.cfg.LoginURL); err != nil {
				s.logger.Warn("ログイン画面の再読み込みに失敗しました",
					slog.String("url", s.cfg.LoginURL),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return s.fail(model.NewMaxAttemptsExceededError(s.Snapshot().AttemptCount, lastErr))
}

// attempt は1回分のログイン試行を行う。
// retryがtrueの場合、呼び出し元はログイン画面を再読み込みして次の試行に進む。
func (s *Session) attempt(ctx context.Context, d browser.Driver, creds model.Credentials, attempt int) (retry bool, err error) {
	if err := d.WaitForSelector(ctx, s.sel.LoginForm, s.cfg.FormTimeout); err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeFormMissing)
		return false, model.NewFormNotFoundError(s.sel.LoginForm, err)
	}

	var filled credentialFill
	if err := evalJSON(ctx, d, fillCredentialsScript, map[string]string{
		"usernameSel": s.sel.Username,
		"username":    creds.Username,
		"passwordSel": s.sel.Password,
		"password":    creds.Password,
	}, &filled); err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeFormMissing)
		return false, model.NewFormNotFoundError(s.sel.Username, err)
	}
	if !filled.Username || !filled.Password {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeFormMissing)
		missing := s.sel.Username
		if filled.Username {
			missing = s.sel.Password
		}
		return false, model.NewFormNotFoundError(missing, nil)
	}

	code, err := s.captcha.Resolve(ctx, d)
	if err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeCaptchaFail)
		return false, err
	}

	var submitted loginSubmit
	if err := evalJSON(ctx, d, submitLoginScript, map[string]string{
		"codeSel":    s.sel.CaptchaInput,
		"code":       code,
		"consentSel": s.sel.ConsentCheckbox,
		"submitSel":  s.sel.LoginSubmit,
	}, &submitted); err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeFormMissing)
		return false, model.NewFormNotFoundError(s.sel.CaptchaInput, err)
	}
	if !submitted.Code || !submitted.Submitted {
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeFormMissing)
		return false, model.NewFormNotFoundError(s.sel.LoginSubmit, nil)
	}
	if submitted.Consent {
		s.logger.Debug("同意チェックボックスをチェックしました", slog.Int("attempt", attempt))
	}

	// 送信後はページ遷移またはその場での更新のどちらも起こりうる
	if err := d.WaitForLoad(ctx, s.cfg.LoadTimeout); err != nil && !errors.Is(err, browser.ErrTimeout) {
		s.logger.Debug("送信後の読み込み待機に失敗しました", slog.String("error", err.Error()))
	}

	banner := s.readBanner(ctx, d)
	switch classifyBanner(banner) {
	case bannerIPNotAuthorized:
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeRejected)
		return false, model.NewIPNotAuthorizedError(model.NormalizeText(banner))
	case bannerInvalidSecurityCode:
		return true, model.NewInvalidSecurityCodeError(model.NormalizeText(banner))
	case bannerOther:
		s.metrics.RecordLoginAttempt(metrics.LoginOutcomeRejected)
		return false, model.NewLoginRejectedError(model.NormalizeText(banner))
	}

	if s.formGone(ctx, d) {
		return false, nil
	}
	return true, errAmbiguousLogin
}

// readBanner はエラーバナーの文言を読み取る。読み取れない場合は空文字列を返す。
func (s *Session) readBanner(ctx context.Context, d browser.Driver) string {
	var text string
	if err := evalJSON(ctx, d, bannerScript, s.sel.ErrorBanner, &text); err != nil {
		s.logger.Debug("エラーメッセージの読み取りに失敗しました", slog.String("error", err.Error()))
		return ""
	}
	return text
}

// formGone はログインフォームが消えたかを判定する。
// 判定できない場合はフォームが残っているものとして扱う。
func (s *Session) formGone(ctx context.Context, d browser.Driver) bool {
	p, err := s.detector.probe(ctx, d)
	if err != nil {
		return false
	}
	return !p.LoginForm
}

// Authenticate はログイン画面へ移動してからLoginを実行する。
// すでにログイン画面が表示されている場合は移動しない。
func (s *Session) Authenticate(ctx context.Context, d browser.Driver, creds model.Credentials) error {
	if s.detector.Detect(ctx, d).Kind != model.PageLoginForm {
		if err := d.Goto(ctx, s.cfg.LoginURL); err != nil {
			s.transition(model.SessionStatusLoggingIn, nil, true)
			return s.fail(model.NewFormNotFoundError(s.sel.LoginForm, err))
		}
	}
	return s.Login(ctx, d, creds)
}

// Ensure は画面を再判定し、ログインが必要な場合のみAuthenticateを実行する。
// ログイン済みかどうかは記録上の状態と現在の画面の両方で判断する。
func (s *Session) Ensure(ctx context.Context, d browser.Driver, creds model.Credentials) error {
	state := s.detector.Detect(ctx, d)
	if s.Snapshot().Status == model.SessionStatusLoggedIn && state.Kind != model.PageLoginForm {
		return nil
	}
	if state.Kind == model.PageLoginForm {
		s.logger.Info("ログイン画面が表示されているため再ログインします")
	}
	return s.Authenticate(ctx, d, creds)
}

// Detector はセッションが使用するDetectorを返す。
func (s *Session) Detector() *Detector {
	return s.detector
}
