// Package automation はブラウザとポータルセッションを所有する、プロセスに1つの自動化コントローラーを提供する。
//
// すべての操作は外側のタイムアウトで打ち切られ、統一フォーマット（model.Envelope）で結果を返す。
// 打ち切られた操作はキャンセルされずに最後まで実行され、その間ページロックは保持されたままになる。
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/model"
)

// SessionController はポータルのログインセッション。
type SessionController interface {
	Authenticate(ctx context.Context, d browser.Driver, creds model.Credentials) error
	Snapshot() model.SessionSnapshot
	Reset()
}

// Searcher は処方箋を検索する。
type Searcher interface {
	Search(ctx context.Context, d browser.Driver, receteNo string) (model.PageState, error)
}

// PageDetector は現在の画面を分類する。
type PageDetector interface {
	Detect(ctx context.Context, d browser.Driver) model.PageState
}

// Config はコントローラーの設定。
type Config struct {
	HomeURL           string
	Headless          bool
	SlowMo            time.Duration
	NavigationTimeout time.Duration
	OperationTimeout  time.Duration // 外側のタイムアウト（既定30秒）
	Install           bool          // 初期化時にブラウザを導入するか
}

// Status は自動化エンジンの状態。
type Status struct {
	Ready    bool                  `json:"ready"`
	Headless bool                  `json:"headless"`
	URL      string                `json:"url,omitempty"`
	Session  model.SessionSnapshot `json:"session"`
}

// Controller はブラウザの起動・終了とページロックを管理する。
type Controller struct {
	launcher  browser.Launcher
	session   SessionController
	searcher  Searcher
	detector  PageDetector
	publisher events.Publisher
	logger    *slog.Logger
	cfg       Config
	lock      *browser.Lock

	mu       sync.Mutex
	instance browser.Instance
	headless bool
}

// NewController はControllerを生成する。ブラウザは起動しない。
func NewController(cfg Config, launcher browser.Launcher, session SessionController, searcher Searcher, detector PageDetector, publisher events.Publisher, logger *slog.Logger) *Controller {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &Controller{
		launcher:  launcher,
		session:   session,
		searcher:  searcher,
		detector:  detector,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		lock:      browser.NewLock(),
		headless:  cfg.Headless,
	}
}

type opResult struct {
	data any
	err  error
}

// Run はfnを外側のタイムアウト付きで実行する。
// タイムアウトしてもfnはキャンセルせず、OperationTimeoutを返して呼び出し元だけを解放する。
func (c *Controller) Run(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) model.Envelope {
	done := make(chan opResult, 1)
	inner := context.WithoutCancel(ctx)
	go func() {
		data, err := fn(inner)
		done <- opResult{data: data, err: err}
	}()

	timer := time.NewTimer(c.cfg.OperationTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			c.logger.Warn("自動化操作が失敗しました",
				slog.String("operation", op),
				slog.String("error", r.err.Error()),
			)
			return model.Fail(r.err)
		}
		return model.OK(r.data)
	case <-timer.C:
	case <-ctx.Done():
	}

	c.logger.Warn("自動化操作がタイムアウトしました。操作はバックグラウンドで継続します",
		slog.String("operation", op),
		slog.Duration("timeout", c.cfg.OperationTimeout),
	)
	go func() {
		if r := <-done; r.err != nil {
			c.logger.Warn("打ち切られた自動化操作が失敗しました",
				slog.String("operation", op),
				slog.String("error", r.err.Error()),
			)
		}
	}()
	return model.Fail(model.NewOperationTimeoutError(op, c.cfg.OperationTimeout))
}

// WithPage はページロックを取得してfnを実行する。ブラウザ未起動の場合はDriverUnavailableを返す。
func (c *Controller) WithPage(ctx context.Context, fn func(ctx context.Context, d browser.Driver) error) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return model.NewOperationTimeoutError("page lock", c.cfg.OperationTimeout)
	}
	defer c.lock.Release()

	inst := c.current()
	if inst == nil {
		return model.NewDriverUnavailableError(nil)
	}
	return fn(ctx, inst.Driver())
}

// CurrentState はページが空いていれば現在の画面を判定する。
// 他の操作がページを使用中、またはブラウザ未起動の場合はfalseを返す。
func (c *Controller) CurrentState(ctx context.Context) (model.PageState, bool) {
	if !c.lock.TryAcquire() {
		return model.PageState{}, false
	}
	defer c.lock.Release()

	inst := c.current()
	if inst == nil {
		return model.PageState{}, false
	}
	return c.detector.Detect(ctx, inst.Driver()), true
}

func (c *Controller) current() browser.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// Initialize はブラウザを導入して起動する。起動済みの場合は状態のみ返す。
func (c *Controller) Initialize(ctx context.Context) model.Envelope {
	return c.Run(ctx, "initialize", func(ctx context.Context) (any, error) {
		if c.current() != nil {
			return c.status(), nil
		}
		if c.cfg.Install {
			if err := c.install(ctx); err != nil {
				return nil, err
			}
		}
		if err := c.lock.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.lock.Release()
		// ロック待ちの間に別の呼び出しが起動を済ませている場合がある
		if c.current() != nil {
			return c.status(), nil
		}
		if err := c.launch(ctx); err != nil {
			return nil, err
		}
		return c.status(), nil
	})
}

func (c *Controller) install(ctx context.Context) error {
	c.publish(events.KindBrowserInstallProgress, events.InstallProgress{Stage: "installing", Message: "ブラウザを導入しています"})
	err := c.launcher.Install(ctx)
	completed := events.InstallCompleted{Success: err == nil}
	if err != nil {
		completed.Error = err.Error()
	}
	c.publish(events.KindBrowserInstallCompleted, completed)
	if err != nil {
		return model.NewDriverUnavailableError(err)
	}
	return nil
}

// launch はブラウザを起動する。呼び出し元がページロックを保持していること。
func (c *Controller) launch(ctx context.Context) error {
	c.mu.Lock()
	headless := c.headless
	c.mu.Unlock()

	inst, err := c.launcher.Launch(ctx, browser.LaunchOptions{
		Headless:          headless,
		SlowMo:            c.cfg.SlowMo,
		NavigationTimeout: c.cfg.NavigationTimeout,
	})
	if err != nil {
		c.logger.Error("ブラウザの起動に失敗しました", slog.String("error", err.Error()))
		return model.NewDriverUnavailableError(err)
	}

	c.mu.Lock()
	c.instance = inst
	c.mu.Unlock()
	c.logger.Info("ブラウザを起動しました", slog.Bool("headless", headless))
	c.PublishStatus()
	return nil
}

// shutdown はブラウザを終了してセッションを初期状態に戻す。呼び出し元がページロックを保持していること。
func (c *Controller) shutdown() error {
	c.mu.Lock()
	inst := c.instance
	c.instance = nil
	c.mu.Unlock()

	c.session.Reset()
	if inst == nil {
		return nil
	}
	if err := inst.Close(); err != nil {
		c.logger.Warn("ブラウザの終了に失敗しました", slog.String("error", err.Error()))
		return fmt.Errorf("ブラウザの終了に失敗しました: %w", err)
	}
	c.PublishStatus()
	return nil
}

// NavigateToPortalHome はポータルのトップ画面へ移動する。
func (c *Controller) NavigateToPortalHome(ctx context.Context) model.Envelope {
	return c.Run(ctx, "navigate_home", func(ctx context.Context) (any, error) {
		var url string
		err := c.WithPage(ctx, func(ctx context.Context, d browser.Driver) error {
			if err := d.Goto(ctx, c.cfg.HomeURL); err != nil {
				return model.NewDriverUnavailableError(err)
			}
			url = d.URL()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": url}, nil
	})
}

// Login はログイン画面へ移動してログインする。
func (c *Controller) Login(ctx context.Context, creds model.Credentials) model.Envelope {
	return c.Run(ctx, "login", func(ctx context.Context) (any, error) {
		err := c.WithPage(ctx, func(ctx context.Context, d browser.Driver) error {
			return c.session.Authenticate(ctx, d, creds)
		})
		if err != nil {
			return nil, err
		}
		return c.session.Snapshot(), nil
	})
}

// SearchRecord は処方箋を検索し、結果画面の状態を返す。
func (c *Controller) SearchRecord(ctx context.Context, receteNo string) model.Envelope {
	return c.Run(ctx, "search_record", func(ctx context.Context) (any, error) {
		receteNo = model.NormalizeText(receteNo)
		if receteNo == "" {
			return nil, model.NewInvalidRequestError("処方箋番号が空です")
		}
		var state model.PageState
		err := c.WithPage(ctx, func(ctx context.Context, d browser.Driver) error {
			var err error
			state, err = c.searcher.Search(ctx, d, receteNo)
			return err
		})
		if err != nil {
			return nil, err
		}
		return state, nil
	})
}

// IsReady はブラウザが起動済みかを返す。
func (c *Controller) IsReady() model.Envelope {
	return model.OK(c.current() != nil)
}

// CurrentURL は現在のページURLを返す。
func (c *Controller) CurrentURL() model.Envelope {
	inst := c.current()
	if inst == nil {
		return model.Fail(model.NewDriverUnavailableError(nil))
	}
	return model.OK(inst.Driver().URL())
}

// Status は現在の状態を返す。
func (c *Controller) Status() model.Envelope {
	return model.OK(c.status())
}

func (c *Controller) status() Status {
	c.mu.Lock()
	s := Status{Ready: c.instance != nil, Headless: c.headless}
	inst := c.instance
	c.mu.Unlock()
	if inst != nil {
		s.URL = inst.Driver().URL()
	}
	s.Session = c.session.Snapshot()
	return s
}

// SetDebugMode はブラウザ画面の表示・非表示を切り替える。起動中の場合は再起動する。
func (c *Controller) SetDebugMode(ctx context.Context, debug bool) model.Envelope {
	return c.Run(ctx, "set_debug_mode", func(ctx context.Context) (any, error) {
		c.mu.Lock()
		changed := c.headless == debug
		c.headless = !debug
		running := c.instance != nil
		c.mu.Unlock()

		if changed && running {
			if err := c.relaunch(ctx); err != nil {
				return nil, err
			}
		}
		return c.status(), nil
	})
}

// Restart はブラウザを再起動し、セッションを初期状態に戻す。
func (c *Controller) Restart(ctx context.Context) model.Envelope {
	return c.Run(ctx, "restart", func(ctx context.Context) (any, error) {
		if err := c.relaunch(ctx); err != nil {
			return nil, err
		}
		return c.status(), nil
	})
}

func (c *Controller) relaunch(ctx context.Context) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer c.lock.Release()
	if err := c.shutdown(); err != nil {
		return err
	}
	return c.launch(ctx)
}

// Close はブラウザを終了する。
func (c *Controller) Close(ctx context.Context) model.Envelope {
	return c.Run(ctx, "close", func(ctx context.Context) (any, error) {
		if err := c.lock.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.lock.Release()
		if err := c.shutdown(); err != nil {
			return nil, err
		}
		return c.status(), nil
	})
}

// PublishStatus は現在の状態をイベントとして発行する。セッションの状態変化フックにも使う。
func (c *Controller) PublishStatus() {
	s := c.status()
	c.publish(events.KindAutomationStatusChanged, events.AutomationStatus{
		Ready:         s.Ready,
		SessionStatus: string(s.Session.Status),
		AttemptCount:  s.Session.AttemptCount,
		LastError:     s.Session.LastError,
	})
}

func (c *Controller) publish(kind events.Kind, payload any) {
	if c.publisher != nil {
		c.publisher.Publish(kind, payload)
	}
}
