// Package scoring はレポート妥当性評価サービスのHTTPクライアントを提供する。
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
)

// maxResponseSize はレスポンスボディの最大サイズ。経過詳細のHTMLを含むため大きめにとる。
const maxResponseSize = 1 << 20

// Client はレポート妥当性評価サービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	endpoint   string
	now        func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, endpoint string, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics.OrNop(m),
		endpoint:   endpoint,
		now:        time.Now,
	}
}

type scoreRequest struct {
	MedicineCode       string        `json:"medicineCode"`
	PrescriptionRecord recordPayload `json:"prescriptionRecord"`
}

type recordPayload struct {
	ReceteNo            string            `json:"receteNo"`
	RecordDate          string            `json:"recordDate,omitempty"`
	LastTransactionDate string            `json:"lastTransactionDate,omitempty"`
	FacilityCode        string            `json:"facilityCode"`
	DepartmentCode      string            `json:"departmentCode"`
	Medicines           []medicinePayload `json:"medicines"`
}

type medicinePayload struct {
	Barkod           string         `json:"barkod"`
	Name             string         `json:"name"`
	Quantity         int            `json:"quantity"`
	Dose             string         `json:"dose"`
	Period           string         `json:"period"`
	EligibleFrom     string         `json:"eligibleFrom,omitempty"`
	IsReportRequired bool           `json:"isReportRequired"`
	Report           *reportPayload `json:"report,omitempty"`
}

type reportPayload struct {
	ReportNo             string   `json:"reportNo"`
	Diagnoses            []string `json:"diagnoses"`
	PrescriberDepartment string   `json:"prescriberDepartment"`
}

type scoreResponse struct {
	IsValid          bool      `json:"isValid"`
	ValidityScore    *float64  `json:"validityScore"`
	EvolutionDetails string    `json:"evolutionDetails"`
	ProcessedAt      time.Time `json:"processedAt"`
	IssuerID         string    `json:"issuerId"`
}

// Score は指定薬品のレポート妥当性を処方箋全体を文脈として評価する。
// 失敗時はScoringServiceErrorを返す。返す結果のEvolutionDetailsはサニタイズされていない。
func (c *Client) Score(ctx context.Context, barkod string, record *model.PrescriptionRecord) (*model.AnalysisResult, error) {
	start := time.Now()
	result, err := c.score(ctx, barkod, record)
	c.metrics.RecordScoringLatency(time.Since(start))
	if err != nil {
		return nil, model.NewScoringServiceError(barkod, err)
	}
	return result, nil
}

func (c *Client) score(ctx context.Context, barkod string, record *model.PrescriptionRecord) (*model.AnalysisResult, error) {
	body, err := json.Marshal(scoreRequest{
		MedicineCode:       barkod,
		PrescriptionRecord: toPayload(record),
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("レポート評価サービスの呼び出しに失敗しました",
			slog.String("recete_no", record.ReceteNo),
			slog.String("barkod", barkod),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()
	c.metrics.RecordServiceStatus("scoring", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("レポート評価サービスがエラーステータスを返しました",
			slog.String("recete_no", record.ReceteNo),
			slog.String("barkod", barkod),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("レポート評価サービスがステータス %d を返しました", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if out.ValidityScore == nil {
		return nil, fmt.Errorf("validityScoreがレスポンスに含まれていません")
	}
	if *out.ValidityScore < 0 || *out.ValidityScore > 100 {
		return nil, fmt.Errorf("validityScoreが範囲外です: %v", *out.ValidityScore)
	}

	processedAt := out.ProcessedAt
	if processedAt.IsZero() {
		processedAt = c.now()
	}

	return &model.AnalysisResult{
		ReceteNo:         record.ReceteNo,
		Barkod:           barkod,
		IsValid:          out.IsValid,
		ValidityScore:    *out.ValidityScore,
		EvolutionDetails: out.EvolutionDetails,
		ProcessedAt:      processedAt,
		IssuerID:         out.IssuerID,
	}, nil
}

func toPayload(r *model.PrescriptionRecord) recordPayload {
	p := recordPayload{
		ReceteNo:            r.ReceteNo,
		RecordDate:          formatDate(r.RecordDate),
		LastTransactionDate: formatDate(r.LastTransactionDate),
		FacilityCode:        r.FacilityCode,
		DepartmentCode:      r.DepartmentCode,
		Medicines:           make([]medicinePayload, 0, len(r.Medicines)),
	}
	for _, m := range r.Medicines {
		mp := medicinePayload{
			Barkod:           m.Barkod,
			Name:             m.Name,
			Quantity:         m.Quantity,
			Dose:             m.Dose,
			Period:           m.Period,
			EligibleFrom:     formatDate(m.EligibleFrom),
			IsReportRequired: m.IsReportRequired,
		}
		if m.Report != nil {
			mp.Report = &reportPayload{
				ReportNo:             m.Report.ReportNo,
				Diagnoses:            m.Report.Diagnoses,
				PrescriberDepartment: m.Report.PrescriberDepartment,
			}
		}
		p.Medicines = append(p.Medicines, mp)
	}
	return p
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(model.PortalDateLayout)
}
