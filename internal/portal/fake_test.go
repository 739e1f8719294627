package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/receteci/internal/browser"
)

const testLoginURL = "https://portal.example/login.jsp"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// fakeDriver はbrowser.Driverのテスト用実装。未設定の関数は成功として扱う。
type fakeDriver struct {
	mu    sync.Mutex
	url   string
	gotos []string

	gotoFunc            func(url string) error
	evaluateFunc        func(script string, arg any) (any, error)
	waitForSelectorFunc func(selector string) error
	waitForLoadFunc     func() error
	screenshotFunc      func(selector string) ([]byte, error)
}

func (f *fakeDriver) Goto(_ context.Context, url string) error {
	f.mu.Lock()
	f.gotos = append(f.gotos, url)
	f.url = url
	f.mu.Unlock()
	if f.gotoFunc != nil {
		return f.gotoFunc(url)
	}
	return nil
}

func (f *fakeDriver) Evaluate(_ context.Context, script string, arg any) (any, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(script, arg)
	}
	return nil, fmt.Errorf("unexpected script")
}

func (f *fakeDriver) WaitForSelector(_ context.Context, selector string, _ time.Duration) error {
	if f.waitForSelectorFunc != nil {
		return f.waitForSelectorFunc(selector)
	}
	return nil
}

func (f *fakeDriver) WaitForLoad(_ context.Context, _ time.Duration) error {
	if f.waitForLoadFunc != nil {
		return f.waitForLoadFunc()
	}
	return nil
}

func (f *fakeDriver) ElementScreenshot(_ context.Context, selector string) ([]byte, error) {
	if f.screenshotFunc != nil {
		return f.screenshotFunc(selector)
	}
	return []byte("png"), nil
}

func (f *fakeDriver) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeDriver) gotoCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gotos...)
}

var _ browser.Driver = (*fakeDriver)(nil)

// fakeSolver はSolverのテスト用実装。
type fakeSolver struct {
	mu        sync.Mutex
	calls     int
	images    []string
	solveFunc func(imageBase64 string) (string, error)
}

func (f *fakeSolver) Solve(_ context.Context, imageBase64 string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.images = append(f.images, imageBase64)
	f.mu.Unlock()
	if f.solveFunc != nil {
		return f.solveFunc(imageBase64)
	}
	return "ABC12", nil
}

func (f *fakeSolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// loginPortal はログイン画面の振る舞いを再現する。
// banners[i]はi回目の送信後に表示されるエラーバナー。空文字列かつformGoneOnSuccessならログイン成功とする。
type loginPortal struct {
	driver *fakeDriver

	mu                sync.Mutex
	banners           []string
	formGoneOnSuccess bool
	formMissing       bool
	captchaMissing    bool

	formPresent   bool
	currentBanner string
	submits       int
}

func newLoginPortal(banners ...string) *loginPortal {
	p := &loginPortal{
		banners:           banners,
		formGoneOnSuccess: true,
		formPresent:       true,
	}
	d := &fakeDriver{url: testLoginURL}
	d.gotoFunc = func(url string) error {
		if url == testLoginURL {
			p.showLoginForm()
		}
		return nil
	}
	d.evaluateFunc = p.evaluate
	d.waitForSelectorFunc = p.waitForSelector
	d.screenshotFunc = p.screenshot
	p.driver = d
	return p
}

func (p *loginPortal) evaluate(script string, arg any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch script {
	case detectScript:
		return jsonString(map[string]any{"loginForm": p.formPresent && !p.formMissing, "detailTable": false, "receteNo": ""}), nil
	case fillCredentialsScript:
		return jsonString(map[string]bool{"username": true, "password": true}), nil
	case submitLoginScript:
		banner := ""
		if p.submits < len(p.banners) {
			banner = p.banners[p.submits]
		}
		p.submits++
		p.currentBanner = banner
		if banner == "" && p.formGoneOnSuccess {
			p.formPresent = false
		}
		return jsonString(map[string]bool{"code": true, "consent": true, "submitted": true}), nil
	case bannerScript:
		return jsonString(p.currentBanner), nil
	}
	return nil, fmt.Errorf("unexpected script")
}

func (p *loginPortal) waitForSelector(selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == DefaultSelectors().LoginForm && (p.formMissing || !p.formPresent) {
		return browser.ErrTimeout
	}
	return nil
}

func (p *loginPortal) screenshot(_ string) ([]byte, error) {
	if p.captchaMissing {
		return nil, browser.ErrElementNotFound
	}
	return []byte("png"), nil
}

// showLoginForm はログイン画面への遷移を再現する（セッション切れやGoto後）。
func (p *loginPortal) showLoginForm() {
	p.mu.Lock()
	p.formPresent = true
	p.currentBanner = ""
	p.mu.Unlock()
}

func (p *loginPortal) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}
