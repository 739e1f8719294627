package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher はplaywright-goでChromiumを起動するLauncher。
type PlaywrightLauncher struct {
	logger      *slog.Logger
	installOnce sync.Once
	installErr  error
}

// NewPlaywrightLauncher はPlaywrightLauncherを生成する。
func NewPlaywrightLauncher(logger *slog.Logger) *PlaywrightLauncher {
	return &PlaywrightLauncher{logger: logger}
}

// Install はplaywrightドライバーとChromiumを導入する。プロセス内で1回だけ実行する。
func (l *PlaywrightLauncher) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.installOnce.Do(func() {
		l.logger.Info("ブラウザをインストールしています", slog.String("browser", "chromium"))
		l.installErr = playwright.Install(&playwright.RunOptions{
			Browsers: []string{"chromium"},
			Verbose:  false,
		})
		if l.installErr != nil {
			l.logger.Error("ブラウザのインストールに失敗しました", slog.String("error", l.installErr.Error()))
		}
	})
	return l.installErr
}

// Launch はChromiumを起動し、新しいページを開く。
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		SlowMo:   playwright.Float(float64(opts.SlowMo.Milliseconds())),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}

	page, err := b.NewPage(playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 900},
	})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	if opts.NavigationTimeout > 0 {
		page.SetDefaultNavigationTimeout(float64(opts.NavigationTimeout.Milliseconds()))
	}

	l.logger.Info("ブラウザを起動しました",
		slog.Bool("headless", opts.Headless),
		slog.Duration("slow_mo", opts.SlowMo),
	)

	return &playwrightInstance{
		pw:         pw,
		browser:    b,
		page:       page,
		navTimeout: opts.NavigationTimeout,
	}, nil
}

// playwrightInstance は起動済みのplaywrightブラウザとページを保持し、Driverを実装する。
type playwrightInstance struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	page       playwright.Page
	navTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (p *playwrightInstance) Driver() Driver { return p }

// Close はページ、ブラウザ、playwrightの順に終了する。2回目以降の呼び出しは何もしない。
func (p *playwrightInstance) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	if err := p.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	return errors.Join(errs...)
}

func (p *playwrightInstance) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *playwrightInstance) Goto(ctx context.Context, url string) error {
	timeout, err := p.prepare(ctx, p.navTimeout)
	if err != nil {
		return err
	}
	_, err = p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(millis(timeout)),
	})
	return translate(err)
}

func (p *playwrightInstance) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if _, err := p.prepare(ctx, 0); err != nil {
		return nil, err
	}
	if arg == nil {
		v, err := p.page.Evaluate(script)
		return v, translate(err)
	}
	v, err := p.page.Evaluate(script, arg)
	return v, translate(err)
}

func (p *playwrightInstance) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	timeout, err := p.prepare(ctx, timeout)
	if err != nil {
		return err
	}
	err = p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(millis(timeout)),
	})
	return translate(err)
}

func (p *playwrightInstance) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	timeout, err := p.prepare(ctx, timeout)
	if err != nil {
		return err
	}
	err = p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(millis(timeout)),
	})
	return translate(err)
}

func (p *playwrightInstance) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	timeout, err := p.prepare(ctx, p.navTimeout)
	if err != nil {
		return nil, err
	}
	loc := p.page.Locator(selector)
	n, err := loc.Count()
	if err != nil {
		return nil, translate(err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	png, err := loc.First().Screenshot(playwright.LocatorScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: playwright.Float(millis(timeout)),
	})
	return png, translate(err)
}

func (p *playwrightInstance) URL() string {
	if p.checkOpen() != nil {
		return ""
	}
	return p.page.URL()
}

// prepare は終了済みでないことを確認し、ctxを考慮した実効タイムアウトを返す。
func (p *playwrightInstance) prepare(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	return effectiveTimeout(ctx, timeout)
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

// translate はplaywrightのタイムアウトエラーをErrTimeoutに変換する。
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
