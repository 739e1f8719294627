// Package analysis は薬品ごとのレポート妥当性評価をまとめて実行する。
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/receteci/internal/events"
	"github.com/hitoshi/receteci/internal/metrics"
	"github.com/hitoshi/receteci/internal/model"
	"github.com/hitoshi/receteci/internal/repository"
	"github.com/hitoshi/receteci/internal/security"
)

// DefaultConcurrency は評価サービスへの同時呼び出し数の既定値。
const DefaultConcurrency = 3

// Scorer はレポート評価サービスのインターフェース。
type Scorer interface {
	Score(ctx context.Context, barkod string, record *model.PrescriptionRecord) (*model.AnalysisResult, error)
}

// Outcome は評価の結果。一部の薬品が失敗しても他の結果は返す。
type Outcome struct {
	Results  map[string]*model.AnalysisResult // barkod → 結果（キャッシュ分を含む）
	Failed   map[string]error                 // barkod → 失敗理由
	Computed []string                         // 今回評価サービスを呼んで得た薬品
}

// AllFailed は成功が1件もなく失敗がある場合にtrueを返す。呼び出し元はエラーとして扱う。
func (o *Outcome) AllFailed() bool {
	return len(o.Results) == 0 && len(o.Failed) > 0
}

// Empty は評価対象がなかった場合にtrueを返す。
func (o *Outcome) Empty() bool {
	return len(o.Results) == 0 && len(o.Failed) == 0
}

// FailedCodes は失敗した薬品のバーコードを昇順で返す。
func (o *Outcome) FailedCodes() []string {
	codes := make([]string, 0, len(o.Failed))
	for c := range o.Failed {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Orchestrator はキャッシュ優先で評価を実行する。
type Orchestrator struct {
	records   repository.RecordRepository
	analyses  repository.AnalysisRepository
	scorer    Scorer
	sanitizer security.ContentSanitizerService
	publisher events.Publisher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time

	sem   *semaphore.Weighted
	group singleflight.Group
}

// NewOrchestrator はOrchestratorを生成する。concurrencyが0以下の場合はDefaultConcurrencyを使う。
func NewOrchestrator(
	records repository.RecordRepository,
	analyses repository.AnalysisRepository,
	scorer Scorer,
	sanitizer security.ContentSanitizerService,
	publisher events.Publisher,
	concurrency int,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		records:   records,
		analyses:  analyses,
		scorer:    scorer,
		sanitizer: sanitizer,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics.OrNop(m),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Analyze は処方箋の薬品を評価する。
// codesが空の場合はレポート必須の薬品すべてが対象。forceがfalseならキャッシュ済みの結果をそのまま返し、
// trueなら指定された薬品のみ再評価する。薬品ごとの失敗はOutcome.Failedに入り、処理は中断しない。
func (o *Orchestrator) Analyze(ctx context.Context, receteNo string, codes []string, force bool) (*Outcome, error) {
	receteNo = model.NormalizeText(receteNo)
	record, err := o.records.FindByReceteNo(ctx, receteNo)
	if err != nil {
		return nil, fmt.Errorf("処方箋キャッシュの取得に失敗しました: %w", err)
	}
	if record == nil {
		return nil, model.NewRecordNotFoundError(receteNo)
	}

	out := &Outcome{
		Results: make(map[string]*model.AnalysisResult),
		Failed:  make(map[string]error),
	}

	targets := o.resolveTargets(record, codes, out)
	if len(targets) == 0 {
		return out, nil
	}

	toCompute := targets
	if !force {
		cached, err := o.analyses.FindByKeys(ctx, receteNo, targets)
		if err != nil {
			return nil, fmt.Errorf("評価結果キャッシュの取得に失敗しました: %w", err)
		}
		toCompute = nil
		for _, code := range targets {
			if r, ok := cached[code]; ok {
				out.Results[code] = r
				o.metrics.RecordCacheLookup("analyses", true)
				o.metrics.RecordAnalysis(metrics.AnalysisOutcomeCached)
				continue
			}
			o.metrics.RecordCacheLookup("analyses", false)
			toCompute = append(toCompute, code)
		}
	}

	o.computeAll(ctx, record, toCompute, out)

	o.logger.Info("薬品の評価が完了しました",
		slog.String("recete_no", receteNo),
		slog.Int("target_count", len(targets)),
		slog.Int("computed_count", len(out.Computed)),
		slog.Int("failed_count", len(out.Failed)),
		slog.Bool("force", force),
	)
	return out, nil
}

// resolveTargets は評価対象のバーコードを重複なく表示順で返す。
// 処方箋にない薬品とレポート不要の薬品はoutの失敗に記録する。
func (o *Orchestrator) resolveTargets(record *model.PrescriptionRecord, codes []string, out *Outcome) []string {
	if len(codes) == 0 {
		return record.ReportRequiredBarkods()
	}

	seen := make(map[string]bool, len(codes))
	var targets []string
	for _, c := range codes {
		c = model.NormalizeText(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true

		line := record.Medicine(c)
		switch {
		case line == nil:
			out.Failed[c] = model.NewInvalidRequestError(fmt.Sprintf("処方箋に含まれない薬品です: %s", c))
		case !line.IsReportRequired:
			out.Failed[c] = model.NewInvalidRequestError(fmt.Sprintf("レポート確認が不要な薬品です: %s", c))
		default:
			targets = append(targets, c)
		}
	}
	return targets
}

// computeAll は薬品を並行して評価する。同時実行数はsemで制限する。
func (o *Orchestrator) computeAll(ctx context.Context, record *model.PrescriptionRecord, codes []string, out *Outcome) {
	type itemResult struct {
		code   string
		result *model.AnalysisResult
		err    error
	}

	results := make([]itemResult, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			// 同じ薬品への同時リクエストは1回の呼び出しを共有する
			v, err, _ := o.group.Do(record.ReceteNo+"/"+code, func() (any, error) {
				return o.compute(ctx, record, code)
			})
			r, _ := v.(*model.AnalysisResult)
			results[i] = itemResult{code: code, result: r, err: err}
		}(i, code)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			out.Failed[r.code] = r.err
			continue
		}
		out.Results[r.code] = r.result
		out.Computed = append(out.Computed, r.code)
	}
}

// compute は1件の薬品を評価し、成功した結果を即座にキャッシュへ保存する。
func (o *Orchestrator) compute(ctx context.Context, record *model.PrescriptionRecord, code string) (*model.AnalysisResult, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, model.NewScoringServiceError(code, err)
	}
	defer o.sem.Release(1)

	if o.publisher != nil {
		o.publisher.Publish(events.KindAnalysisItemStarted, events.AnalysisItemStarted{ReceteNo: record.ReceteNo, Barkod: code})
	}

	result, err := o.scorer.Score(ctx, code, record)
	if err != nil {
		o.metrics.RecordAnalysis(metrics.AnalysisOutcomeFailed)
		o.logger.Warn("薬品の評価に失敗しました",
			slog.String("recete_no", record.ReceteNo),
			slog.String("barkod", code),
			slog.String("error", err.Error()),
		)
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, model.NewScoringServiceError(code, err)
	}

	result.ReceteNo = record.ReceteNo
	result.Barkod = code
	result.EvolutionDetails = o.sanitizer.Sanitize(result.EvolutionDetails)
	result.CachedAt = o.now()

	if err := o.analyses.Upsert(ctx, result); err != nil {
		o.metrics.RecordAnalysis(metrics.AnalysisOutcomeFailed)
		o.logger.Error("評価結果の保存に失敗しました",
			slog.String("recete_no", record.ReceteNo),
			slog.String("barkod", code),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("評価結果の保存に失敗しました: %w", err)
	}

	o.metrics.RecordAnalysis(metrics.AnalysisOutcomeComputed)
	if o.publisher != nil {
		o.publisher.Publish(events.KindUnitConsumed, events.UnitConsumed{ReceteNo: record.ReceteNo, Barkod: code, Units: 1})
	}
	return result, nil
}
