package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler はスケジュールに従って残高を照合する。
type Reconciler struct {
	projection *Projection
	cron       *cron.Cron
	timeout    time.Duration
	logger     *slog.Logger
}

// NewReconciler はReconcilerを生成する。scheduleはcron形式または"@every 5m"形式。
func NewReconciler(projection *Projection, schedule string, timeout time.Duration, logger *slog.Logger) (*Reconciler, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Reconciler{
		projection: projection,
		cron:       cron.New(),
		timeout:    timeout,
		logger:     logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("照合スケジュールが不正です: %s: %w", schedule, err)
	}
	return r, nil
}

// Start はスケジュールを開始し、起動直後に1回照合する。
func (r *Reconciler) Start() {
	r.logger.Info("クレジット照合スケジューラを開始しました")
	go r.run()
	r.cron.Start()
}

// Stop はスケジュールを止め、実行中の照合の終了を待つ。
func (r *Reconciler) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
	r.logger.Info("クレジット照合スケジューラを停止しました")
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.projection.Reconcile(ctx); err != nil {
		r.logger.Error("クレジット残高の照合に失敗しました", slog.String("error", err.Error()))
	}
}
