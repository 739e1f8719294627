package portal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/model"
)

// Solver はセキュリティコード解読サービスのインターフェース。
type Solver interface {
	// Solve はbase64エンコード済みのPNG画像からコードを解読する。
	Solve(ctx context.Context, imageBase64 string) (string, error)
}

// CaptchaStep はログイン画面のセキュリティコード画像を取得して解読する。
// 古い画像を再送しても解けないため、内部では再試行しない。
type CaptchaStep struct {
	solver Solver
	sel    Selectors
}

// NewCaptchaStep はCaptchaStepを生成する。
func NewCaptchaStep(solver Solver, sel Selectors) *CaptchaStep {
	return &CaptchaStep{solver: solver, sel: sel}
}

// Resolve は画像を取得して解読済みのコードを返す。
// 画像がない場合はCaptchaElementNotFound、解読失敗はCaptchaServiceErrorを返す。
func (c *CaptchaStep) Resolve(ctx context.Context, d browser.Driver) (string, error) {
	png, err := d.ElementScreenshot(ctx, c.sel.CaptchaImage)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return "", model.NewCaptchaElementNotFoundError(err)
		}
		return "", fmt.Errorf("セキュリティコード画像の取得に失敗しました: %w", err)
	}
	if len(png) == 0 {
		return "", model.NewCaptchaElementNotFoundError(nil)
	}

	code, err := c.solver.Solve(ctx, base64.StdEncoding.EncodeToString(png))
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return "", err
		}
		return "", model.NewCaptchaServiceError(err.Error(), err)
	}
	return code, nil
}
