// Package billing はクレジット残高のローカル投影を提供する。
// 残高の正は外部の課金サービスにあり、ここでは表示用の見込み値のみを保持する。
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/metrics"
)

// seenRetention は重複排除用に消費イベントIDを保持する期間。
const seenRetention = time.Hour

// BalanceSource は正の残高を返すインターフェース。
type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// Snapshot は投影中の残高。
type Snapshot struct {
	Balance      float64   `json:"balance"`
	Known        bool      `json:"known"`        // 一度でも照合できたか
	Consumed     int       `json:"consumed"`     // 直近の照合以降に消費した単位数
	ReconciledAt time.Time `json:"reconciledAt"` // 直近の照合時刻
}

// Projection は確定した消費イベントだけで残高を更新する。
type Projection struct {
	source  BalanceSource
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu    sync.Mutex
	state Snapshot
	seen  map[string]time.Time
}

// NewProjection はProjectionを生成する。sourceがnilの場合Reconcileはエラーを返す。
func NewProjection(source BalanceSource, logger *slog.Logger, m metrics.MetricsCollector) *Projection {
	return &Projection{
		source:  source,
		logger:  logger,
		metrics: metrics.OrNop(m),
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// Handle は消費イベントを反映する。events.Busの購読者として登録する。
// 同じIDのイベントは再送されても1回だけ反映する。
func (p *Projection) Handle(_ context.Context, e events.Event) error {
	if e.Kind != events.KindUnitConsumed {
		return nil
	}
	var units int
	switch v := e.Payload.(type) {
	case events.UnitConsumed:
		units = v.Units
	case *events.UnitConsumed:
		units = v.Units
	default:
		p.logger.Warn("消費イベントのペイロードが不正です", slog.String("event_id", e.ID))
		return nil
	}
	if units <= 0 {
		return nil
	}

	p.mu.Lock()
	if _, dup := p.seen[e.ID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seen[e.ID] = p.now()
	p.state.Consumed += units
	p.state.Balance -= float64(units)
	balance := p.state.Balance
	p.mu.Unlock()

	p.metrics.RecordCreditsConsumed(units)
	p.metrics.SetCreditBalance(balance)
	return nil
}

// Snapshot は現在の投影を返す。
func (p *Projection) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reconcile は正の残高を取得して投影を置き換える。
func (p *Projection) Reconcile(ctx context.Context) (Snapshot, error) {
	if p.source == nil {
		return p.Snapshot(), fmt.Errorf("課金サービスが設定されていません")
	}
	balance, err := p.source.Balance(ctx)
	if err != nil {
		return p.Snapshot(), fmt.Errorf("残高の照合に失敗しました: %w", err)
	}

	p.mu.Lock()
	now := p.now()
	p.state = Snapshot{Balance: balance, Known: true, ReconciledAt: now}
	for id, at := range p.seen {
		if now.Sub(at) > seenRetention {
			delete(p.seen, id)
		}
	}
	snap := p.state
	p.mu.Unlock()

	p.metrics.SetCreditBalance(balance)
	p.logger.Info("クレジット残高を照合しました", slog.Float64("balance", balance))
	return snap, nil
}
