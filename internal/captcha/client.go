// Package captcha はセキュリティコード解読サービスのHTTPクライアントを提供する。
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
)

// maxResponseSize はレスポンスボディの最大サイズ。
const maxResponseSize = 64 << 10

// Client はセキュリティコード解読サービスのクライアント。
// 1回の呼び出しで1回だけPOSTし、内部で再試行はしない。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	endpoint   string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, endpoint string, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics.OrNop(m),
		endpoint:   endpoint,
	}
}

type solveRequest struct {
	Image string `json:"image"`
}

type solveResponse struct {
	Code string `json:"code"`
}

// Solve はbase64エンコード済みの画像を送信し、解読されたコードを返す。
// 2xx以外のステータス、またはcodeが空の場合はCaptchaServiceErrorを返す。
func (c *Client) Solve(ctx context.Context, imageBase64 string) (string, error) {
	code, err := c.solve(ctx, imageBase64)
	c.metrics.RecordCaptchaCall(err == nil)
	return code, err
}

func (c *Client) solve(ctx context.Context, imageBase64 string) (string, error) {
	body, err := json.Marshal(solveRequest{Image: imageBase64})
	if err != nil {
		return "", model.NewCaptchaServiceError("リクエストの生成に失敗しました", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", model.NewCaptchaServiceError("リクエストの生成に失敗しました", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("セキュリティコード解読サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", model.NewCaptchaServiceError("サービスに接続できません", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordServiceStatus("captcha", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("セキュリティコード解読サービスがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return "", model.NewCaptchaServiceError(fmt.Sprintf("ステータス %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", model.NewCaptchaServiceError("レスポンスの読み取りに失敗しました", err)
	}

	var result solveResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Error("セキュリティコード解読サービスのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", model.NewCaptchaServiceError("レスポンスの形式が不正です", err)
	}

	code := strings.TrimSpace(result.Code)
	if code == "" {
		return "", model.NewCaptchaServiceError("コードが空です", nil)
	}
	return code, nil
}
