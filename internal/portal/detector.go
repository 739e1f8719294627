package portal

import (
	"context"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/model"
)

// pageProbe はdetectScriptの結果。
type pageProbe struct {
	LoginForm   bool   `json:"loginForm"`
	DetailTable bool   `json:"detailTable"`
	ReceteNo    string `json:"receteNo"`
}

// Detector はポータルの現在の画面を分類する。ページは変更しない。
type Detector struct {
	sel Selectors
}

// NewDetector はDetectorを生成する。
func NewDetector(sel Selectors) *Detector {
	return &Detector{sel: sel}
}

// Detect は現在の画面を分類する。
// 評価に失敗した場合（遷移中など）はエラーにせずPageOtherを返す。
func (d *Detector) Detect(ctx context.Context, drv browser.Driver) model.PageState {
	p, err := d.probe(ctx, drv)
	if err != nil {
		return model.PageState{Kind: model.PageOther}
	}
	return p.state()
}

func (d *Detector) probe(ctx context.Context, drv browser.Driver) (probe pageProbe, err error) {
	// スクリプト評価がpanicした場合も画面不明として扱う
	defer func() {
		if r := recover(); r != nil {
			err = errProbePanicked
		}
	}()
	err = evalJSON(ctx, drv, detectScript, map[string]string{
		"loginForm":   d.sel.LoginForm,
		"detailTable": d.sel.DetailTable,
		"receteNo":    d.sel.DetailReceteNo,
	}, &probe)
	return probe, err
}

func (p pageProbe) state() model.PageState {
	if p.LoginForm {
		return model.PageState{Kind: model.PageLoginForm}
	}
	if p.DetailTable {
		if no := model.NormalizeText(p.ReceteNo); no != "" {
			return model.PageState{Kind: model.PagePrescriptionDetail, ReceteNo: no}
		}
	}
	return model.PageState{Kind: model.PageOther}
}
