package portal

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/model"
)

// Navigator は処方箋検索画面を操作する。
type Navigator struct {
	searchURL      string
	sel            Selectors
	detector       *Detector
	elementTimeout time.Duration
	resultTimeout  time.Duration
	logger         *slog.Logger
}

// NewNavigator は新しいNavigatorを生成する。
func NewNavigator(searchURL string, sel Selectors, elementTimeout, resultTimeout time.Duration, logger *slog.Logger) *Navigator {
	if elementTimeout <= 0 {
		elementTimeout = 10 * time.Second
	}
	if resultTimeout <= 0 {
		resultTimeout = 15 * time.Second
	}
	return &Navigator{
		searchURL:      searchURL,
		sel:            sel,
		detector:       NewDetector(sel),
		elementTimeout: elementTimeout,
		resultTimeout:  resultTimeout,
		logger:         logger,
	}
}

// Search は検索画面に移動して処方箋番号を送信し、結果表示後の画面状態を返す。
// 結果は画面遷移とその場での更新のどちらでも表示されるため、詳細と該当なしのどちらかのマーカーを待つ。
func (n *Navigator) Search(ctx context.Context, d browser.Driver, receteNo string) (model.PageState, error) {
	if err := d.Goto(ctx, n.searchURL); err != nil {
		return model.PageState{}, model.NewFormNotFoundError(n.sel.SearchInput, err)
	}
	if err := d.WaitForSelector(ctx, n.sel.SearchInput, n.elementTimeout); err != nil {
		return model.PageState{}, model.NewFormNotFoundError(n.sel.SearchInput, err)
	}

	var submitted bool
	if err := evalJSON(ctx, d, submitSearchScript, map[string]string{
		"inputSel":  n.sel.SearchInput,
		"receteNo":  receteNo,
		"submitSel": n.sel.SearchSubmit,
	}, &submitted); err != nil {
		return model.PageState{}, model.NewFormNotFoundError(n.sel.SearchSubmit, err)
	}
	if !submitted {
		return model.PageState{}, model.NewFormNotFoundError(n.sel.SearchSubmit, nil)
	}

	if err := d.WaitForSelector(ctx, n.sel.DetailTable+", "+n.sel.NoResult, n.resultTimeout); err != nil {
		n.logger.Warn("検索結果が表示されませんでした",
			slog.String("recete_no", receteNo),
			slog.String("error", err.Error()),
		)
		return model.PageState{}, model.NewRecordNotFoundError(receteNo)
	}

	state := n.detector.Detect(ctx, d)
	n.logger.Debug("検索結果の画面を判定しました",
		slog.String("recete_no", receteNo),
		slog.String("page", string(state.Kind)),
	)
	return state, nil
}
