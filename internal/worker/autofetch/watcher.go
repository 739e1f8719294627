// Package autofetch は画面を監視し、処方箋詳細画面が表示されたら自動で取得するバックグラウンド処理を提供する。
package autofetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/receteci/internal/model"
)

// StateSource はページが空いているときだけ現在の画面を判定する。
type StateSource interface {
	CurrentState(ctx context.Context) (model.PageState, bool)
}

// AutoFetcher は表示中の処方箋を取得する。
// ForgetAuto は同じ処方箋への重複取得の抑止を解除する。
type AutoFetcher interface {
	AutoFetch(ctx context.Context, receteNo string) (bool, error)
	ForgetAuto()
}

const maxBackoff = time.Minute

// Watcher は一定間隔で画面を確認し、詳細画面の処方箋をAutoFetchに渡す。
// 連続して失敗した場合は間隔を2倍ずつ延ばす（最大1分）。
type Watcher struct {
	source   StateSource
	fetcher  AutoFetcher
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	consecutiveErrors int
	nextAttempt       time.Time
}

// NewWatcher はWatcherを生成する。intervalが0以下の場合は3秒を使用する。
func NewWatcher(source StateSource, fetcher AutoFetcher, logger *slog.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{
		source:   source,
		fetcher:  fetcher,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start はコンテキストがキャンセルされるまで監視を続ける。
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("自動取得の監視を開始しました", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("自動取得の監視を停止しました")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce は画面を1回確認する。ページ使用中や判定失敗は無視する。
// 詳細画面以外が表示されていれば重複取得の抑止を解除し、同じ処方箋を開き直したときに再取得できるようにする。
// 取得を行った場合はtrueを返す。
func (w *Watcher) RunOnce(ctx context.Context) bool {
	if w.now().Before(w.nextAttempt) {
		return false
	}

	state, ok := w.source.CurrentState(ctx)
	if !ok {
		return false
	}
	if state.Kind != model.PagePrescriptionDetail {
		w.fetcher.ForgetAuto()
		return false
	}
	if state.ReceteNo == "" {
		return false
	}

	fetched, err := w.fetcher.AutoFetch(ctx, state.ReceteNo)
	if err != nil {
		w.consecutiveErrors++
		delay := CalculateBackoff(w.interval, w.consecutiveErrors)
		w.nextAttempt = w.now().Add(delay)
		w.logger.Warn("処方箋の自動取得に失敗しました",
			slog.String("recete_no", state.ReceteNo),
			slog.Int("consecutive_errors", w.consecutiveErrors),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)
		return false
	}

	w.consecutiveErrors = 0
	w.nextAttempt = time.Time{}
	if fetched {
		w.logger.Info("処方箋を自動取得しました", slog.String("recete_no", state.ReceteNo))
	}
	return fetched
}

// CalculateBackoff は連続エラー回数に基づいて次の確認までの遅延を計算する。
// 1回目はbase、以降2倍ずつ増加し、最大1分。
func CalculateBackoff(base time.Duration, consecutiveErrors int) time.Duration {
	delay := base
	for i := 1; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
