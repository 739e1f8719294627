// Package browser はポータル画面を操作するブラウザドライバーの抽象と、
// playwright-goによる実装を提供する。
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementNotFound は指定セレクタの要素がページに存在しないことを表す。
	ErrElementNotFound = errors.New("element not found")
	// ErrTimeout は待機がタイムアウトしたことを表す。
	ErrTimeout = errors.New("browser operation timed out")
	// ErrClosed はブラウザが終了済みであることを表す。
	ErrClosed = errors.New("browser is closed")
)

// Driver はリモートページに対する基本操作。
// 同一ページへの同時操作は安全ではないため、呼び出し側はLockで直列化すること。
type Driver interface {
	// Goto は指定URLへ遷移し、DOMの読み込み完了まで待つ。
	Goto(ctx context.Context, url string) error
	// Evaluate はページ内でスクリプトを評価し、その戻り値を返す。
	Evaluate(ctx context.Context, script string, arg any) (any, error)
	// WaitForSelector はセレクタに一致する要素が表示されるまで待つ。
	// タイムアウト時はErrTimeoutを返す。
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	// WaitForLoad はページの読み込みが落ち着くまで待つ。
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	// ElementScreenshot は要素をPNG画像として取得する。
	// 要素が存在しない場合はErrElementNotFoundを返す。
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	// URL は現在のページURLを返す。
	URL() string
}

// LaunchOptions はブラウザ起動時のオプション。
type LaunchOptions struct {
	Headless          bool
	SlowMo            time.Duration
	NavigationTimeout time.Duration
}

// Instance は起動済みのブラウザ1つ分を表す。
type Instance interface {
	Driver() Driver
	Close() error
}

// Launcher はブラウザを起動する。
type Launcher interface {
	// Install はブラウザ本体とドライバーを導入する。導入済みの場合は何もしない。
	Install(ctx context.Context) error
	// Launch はブラウザを起動し、1ページを開いた状態のInstanceを返す。
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// effectiveTimeout はctxの残り時間とtimeoutの短い方を返す。
// ctxが終了済みの場合はctx.Err()を返す。
func effectiveTimeout(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			if remaining <= 0 {
				return 0, context.DeadlineExceeded
			}
			return remaining, nil
		}
	}
	return timeout, nil
}
