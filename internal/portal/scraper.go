package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hitoshi/receteci/internal/browser"
	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
)

// reportFlags はレポート列でレポート必須を表す文言（小文字）。
var reportFlags = map[string]bool{
	"var":     true,
	"evet":    true,
	"raporlu": true,
}

// Scraper は処方箋詳細画面を読み取る。
// 詳細パネルのHTMLを取り出してgoqueryで解析し、レポート詳細のみ画面を操作して取得する。
type Scraper struct {
	sel            Selectors
	retries        int
	retryDelay     time.Duration
	elementTimeout time.Duration
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
}

// NewScraper は新しいScraperを生成する。
// retriesはレポート詳細の取得に失敗した場合の再試行回数。
func NewScraper(sel Selectors, retries int, retryDelay, elementTimeout time.Duration, logger *slog.Logger, m metrics.MetricsCollector) *Scraper {
	if retries < 0 {
		retries = 0
	}
	if elementTimeout <= 0 {
		elementTimeout = 10 * time.Second
	}
	return &Scraper{
		sel:            sel,
		retries:        retries,
		retryDelay:     retryDelay,
		elementTimeout: elementTimeout,
		logger:         logger,
		metrics:        metrics.OrNop(m),
	}
}

// Scrape は現在表示されている処方箋詳細画面を読み取る。画面遷移は行わない。
func (s *Scraper) Scrape(ctx context.Context, d browser.Driver, receteNo string) (*model.PrescriptionRecord, error) {
	start := time.Now()
	record, err := s.scrape(ctx, d, receteNo)
	s.metrics.RecordScrape(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Scraper) scrape(ctx context.Context, d browser.Driver, receteNo string) (*model.PrescriptionRecord, error) {
	doc, err := s.fragment(ctx, d, s.sel.DetailContainer)
	if err != nil {
		return nil, fmt.Errorf("処方箋詳細の読み取りに失敗しました: %w", err)
	}
	if doc == nil {
		return nil, model.NewRecordNotFoundError(receteNo)
	}

	record, reportRows := s.parseDetail(doc, receteNo)

	for _, row := range reportRows {
		line := &record.Medicines[row.line]
		report, err := s.scrapeReport(ctx, d, row.index)
		if err != nil {
			s.logger.Warn("レポート詳細の読み取りに失敗しました",
				slog.String("recete_no", record.ReceteNo),
				slog.String("barkod", line.Barkod),
				slog.String("error", err.Error()),
			)
			return nil, model.NewScrapeIncompleteError(line.Barkod, err)
		}
		line.Report = report
	}

	s.logger.Info("処方箋詳細を読み取りました",
		slog.String("recete_no", record.ReceteNo),
		slog.Int("medicine_count", len(record.Medicines)),
		slog.Int("report_count", len(reportRows)),
	)
	return record, nil
}

// fragment は要素のouterHTMLを取得してドキュメントとして解析する。要素がない場合はnilを返す。
func (s *Scraper) fragment(ctx context.Context, d browser.Driver, selector string) (*goquery.Document, error) {
	var markup string
	if err := evalJSON(ctx, d, outerHTMLScript, selector, &markup); err != nil {
		return nil, err
	}
	if strings.TrimSpace(markup) == "" {
		return nil, nil
	}
	return parseFragment(markup)
}

func parseFragment(markup string) (*goquery.Document, error) {
	node, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}
	return goquery.NewDocumentFromNode(node), nil
}

// reportRow はレポート詳細を開く必要がある薬品行。
type reportRow struct {
	index int // MedicineRowsでの行位置（ページ内スクリプトと同じ数え方）
	line  int // record.Medicinesでの位置
}

// parseDetail は詳細パネルから処方箋と薬品行を読み取る。
func (s *Scraper) parseDetail(doc *goquery.Document, receteNo string) (*model.PrescriptionRecord, []reportRow) {
	text := func(sel string) string {
		return model.NormalizeText(doc.Find(sel).First().Text())
	}

	record := &model.PrescriptionRecord{
		ReceteNo:            text(s.sel.DetailReceteNo),
		RecordDate:          model.ParsePortalDate(text(s.sel.RecordDate)),
		LastTransactionDate: model.ParsePortalDate(text(s.sel.LastTransactionDate)),
		FacilityCode:        text(s.sel.FacilityCode),
		DepartmentCode:      text(s.sel.DepartmentCode),
	}
	if record.ReceteNo == "" {
		record.ReceteNo = model.NormalizeText(receteNo)
	}

	var reports []reportRow
	doc.Find(s.sel.MedicineRows).Each(func(i int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() <= colEligibleFrom {
			return
		}
		cell := func(col int) string {
			return model.NormalizeText(cells.Eq(col).Text())
		}
		barkod := cell(colBarkod)
		if barkod == "" {
			return
		}

		line := model.MedicineLine{
			ReceteNo:     record.ReceteNo,
			Barkod:       barkod,
			Name:         cell(colName),
			Quantity:     parseQuantity(cell(colQuantity)),
			Dose:         cell(colDose),
			Period:       cell(colPeriod),
			EligibleFrom: model.ParsePortalDate(cell(colEligibleFrom)),
		}
		if cells.Length() > colReport {
			reportCell := cells.Eq(colReport)
			hasLink := reportCell.Find(s.sel.ReportLink).Length() > 0
			line.IsReportRequired = hasLink || reportFlags[strings.ToLower(model.NormalizeText(reportCell.Text()))]
			if hasLink {
				reports = append(reports, reportRow{index: i, line: len(record.Medicines)})
			}
		}
		record.Medicines = append(record.Medicines, line)
	})

	return record, reports
}

// parseQuantity は数量を解析する。"2 Kutu"のような単位付きの値は先頭の数字のみ読む。
func parseQuantity(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// scrapeReport はレポート詳細ビューを開いて読み取る。失敗した場合はretries回まで再試行する。
func (s *Scraper) scrapeReport(ctx context.Context, d browser.Driver, row int) (*model.ReportDetail, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		report, err := s.readReport(ctx, d, row)
		s.closeReport(ctx, d)
		if err == nil {
			return report, nil
		}
		lastErr = err
		s.logger.Debug("レポート詳細の読み取りを再試行します",
			slog.Int("row", row),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (s *Scraper) readReport(ctx context.Context, d browser.Driver, row int) (*model.ReportDetail, error) {
	var opened bool
	if err := evalJSON(ctx, d, openReportScript, map[string]any{
		"rowsSel": s.sel.MedicineRows,
		"row":     row,
		"linkSel": s.sel.ReportLink,
	}, &opened); err != nil {
		return nil, err
	}
	if !opened {
		return nil, errReportLinkNotFound
	}

	if err := d.WaitForSelector(ctx, s.sel.ReportPanel, s.elementTimeout); err != nil {
		return nil, fmt.Errorf("レポート詳細が表示されませんでした: %w", err)
	}
	doc, err := s.fragment(ctx, d, s.sel.ReportPanel)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("レポート詳細が空です")
	}
	return s.parseReport(doc)
}

// parseReport はレポート詳細パネルを読み取る。レポート番号がない場合は読み込み途中とみなしエラーを返す。
func (s *Scraper) parseReport(doc *goquery.Document) (*model.ReportDetail, error) {
	report := &model.ReportDetail{
		ReportNo:             model.NormalizeText(doc.Find(s.sel.ReportNo).First().Text()),
		PrescriberDepartment: model.NormalizeText(doc.Find(s.sel.ReportDepartment).First().Text()),
	}
	if report.ReportNo == "" {
		return nil, errors.New("レポート番号が表示されていません")
	}
	doc.Find(s.sel.ReportDiagnoses).Each(func(_ int, li *goquery.Selection) {
		if t := model.NormalizeText(li.Text()); t != "" {
			report.Diagnoses = append(report.Diagnoses, t)
		}
	})
	return report, nil
}

func (s *Scraper) closeReport(ctx context.Context, d browser.Driver) {
	var closed bool
	if err := evalJSON(ctx, d, closeReportScript, s.sel.ReportClose, &closed); err != nil {
		s.logger.Debug("レポート詳細を閉じられませんでした", slog.String("error", err.Error()))
	}
}
