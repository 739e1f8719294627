package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/receteci/internal/metrics"
)

const maxResponseSize = 16 << 10

// HTTPBalanceSource は課金サービスから残高を取得する。
type HTTPBalanceSource struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewHTTPBalanceSource はHTTPBalanceSourceを生成する。
func NewHTTPBalanceSource(httpClient *http.Client, endpoint string, logger *slog.Logger, m metrics.MetricsCollector) *HTTPBalanceSource {
	return &HTTPBalanceSource{
		httpClient: httpClient,
		endpoint:   endpoint,
		logger:     logger,
		metrics:    metrics.OrNop(m),
	}
}

type balanceResponse struct {
	Balance *float64 `json:"balance"`
}

// Balance は残高を取得する。
func (s *HTTPBalanceSource) Balance(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("課金サービスの呼び出しに失敗しました", slog.String("error", err.Error()))
		return 0, fmt.Errorf("課金サービスに接続できません: %w", err)
	}
	defer resp.Body.Close()
	s.metrics.RecordServiceStatus("billing", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("課金サービスがエラーステータスを返しました: %d", resp.StatusCode)
	}

	var body balanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return 0, fmt.Errorf("課金サービスのレスポンスのパースに失敗しました: %w", err)
	}
	if body.Balance == nil {
		return 0, fmt.Errorf("課金サービスのレスポンスにbalanceがありません")
	}
	return *body.Balance, nil
}
