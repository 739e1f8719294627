// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション、取得、評価の各コンポーネントから利用する。
type MetricsCollector interface {
	RecordLoginAttempt(outcome string)
	RecordCaptchaCall(success bool)
	RecordCacheLookup(table string, hit bool)
	RecordScrape(success bool, duration time.Duration)
	RecordAnalysis(outcome string)
	RecordScoringLatency(duration time.Duration)
	RecordServiceStatus(service string, statusCode int)
	RecordCreditsConsumed(units int)
	SetCreditBalance(balance float64)
	RecordEventDropped(kind string)
}

// ログイン試行の結果ラベル
const (
	LoginOutcomeSuccess     = "success"
	LoginOutcomeRetry       = "retry"
	LoginOutcomeRejected    = "rejected"
	LoginOutcomeCaptchaFail = "captcha_failure"
	LoginOutcomeFormMissing = "form_missing"
)

// 評価結果のラベル
const (
	AnalysisOutcomeComputed = "computed"
	AnalysisOutcomeCached   = "cached"
	AnalysisOutcomeFailed   = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginAttempts   *prometheus.CounterVec
	captchaCalls    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	scrapes         *prometheus.CounterVec
	scrapeLatency   prometheus.Histogram
	analyses        *prometheus.CounterVec
	scoringLatency  prometheus.Histogram
	serviceStatus   *prometheus.CounterVec
	creditsConsumed prometheus.Counter
	creditBalance   prometheus.Gauge
	eventsDropped   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_login_attempts_total",
			Help: "ポータルへのログイン試行の合計数（結果別）",
		}, []string{"outcome"}),
		captchaCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_captcha_calls_total",
			Help: "セキュリティコード解読サービス呼び出しの合計数",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_cache_lookups_total",
			Help: "ローカルキャッシュ参照の合計数（テーブル・ヒット別）",
		}, []string{"table", "result"}),
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_scrapes_total",
			Help: "処方箋詳細画面の読み取りの合計数",
		}, []string{"result"}),
		scrapeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receteci_scrape_latency_seconds",
			Help:    "処方箋詳細画面の読み取りのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_analyses_total",
			Help: "薬品ごとの評価の合計数（計算・キャッシュ・失敗別）",
		}, []string{"outcome"}),
		scoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receteci_scoring_latency_seconds",
			Help:    "レポート評価サービスのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		serviceStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_service_http_status_total",
			Help: "外部サービスのHTTPステータスコード別のレスポンス数",
		}, []string{"service", "status_code"}),
		creditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receteci_credits_consumed_total",
			Help: "確定した利用単位の消費の合計数",
		}),
		creditBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receteci_credit_balance",
			Help: "ローカルに保持しているクレジット残高の見込み値",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receteci_events_dropped_total",
			Help: "購読者が遅いため破棄された進捗イベントの数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.loginAttempts,
		c.captchaCalls,
		c.cacheLookups,
		c.scrapes,
		c.scrapeLatency,
		c.analyses,
		c.scoringLatency,
		c.serviceStatus,
		c.creditsConsumed,
		c.creditBalance,
		c.eventsDropped,
	)

	return c
}

// RecordLoginAttempt はログイン試行を結果ラベル付きで記録する。
func (c *Collector) RecordLoginAttempt(outcome string) {
	c.loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordCaptchaCall はセキュリティコード解読サービスの呼び出しを記録する。
func (c *Collector) RecordCaptchaCall(success bool) {
	c.captchaCalls.WithLabelValues(resultLabel(success)).Inc()
}

// RecordCacheLookup はキャッシュ参照のヒット・ミスを記録する。
func (c *Collector) RecordCacheLookup(table string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(table, result).Inc()
}

// RecordScrape は詳細画面の読み取り結果とレイテンシを記録する。
func (c *Collector) RecordScrape(success bool, duration time.Duration) {
	c.scrapes.WithLabelValues(resultLabel(success)).Inc()
	c.scrapeLatency.Observe(duration.Seconds())
}

// RecordAnalysis は薬品1件分の評価結果を記録する。
func (c *Collector) RecordAnalysis(outcome string) {
	c.analyses.WithLabelValues(outcome).Inc()
}

// RecordScoringLatency はレポート評価サービスのレイテンシを記録する。
func (c *Collector) RecordScoringLatency(duration time.Duration) {
	c.scoringLatency.Observe(duration.Seconds())
}

// RecordServiceStatus は外部サービスのHTTPステータスコードを記録する。
func (c *Collector) RecordServiceStatus(service string, statusCode int) {
	c.serviceStatus.WithLabelValues(service, strconv.Itoa(statusCode)).Inc()
}

// RecordCreditsConsumed は確定した利用単位の消費を記録する。
func (c *Collector) RecordCreditsConsumed(units int) {
	c.creditsConsumed.Add(float64(units))
}

// SetCreditBalance はローカル残高の見込み値を設定する。
func (c *Collector) SetCreditBalance(balance float64) {
	c.creditBalance.Set(balance)
}

// RecordEventDropped は破棄された進捗イベントを記録する。
func (c *Collector) RecordEventDropped(kind string) {
	c.eventsDropped.WithLabelValues(kind).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop は何も記録しないMetricsCollector。メトリクスが不要な場合に使う。
type Nop struct{}

func (Nop) RecordLoginAttempt(string) {}
func (Nop) RecordCaptchaCall(bool) {}
func (Nop) RecordCacheLookup(string, bool) {}
func (Nop) RecordScrape(bool, time.Duration) {}
func (Nop) RecordAnalysis(string) {}
func (Nop) RecordScoringLatency(time.Duration) {}
func (Nop) RecordServiceStatus(string, int) {}
func (Nop) RecordCreditsConsumed(int) {}
func (Nop) SetCreditBalance(float64) {}
func (Nop) RecordEventDropped(string) {}

// OrNop はnilの場合にNopを返す。
func OrNop(m MetricsCollector) MetricsCollector {
	if m == nil {
		return Nop{}
	}
	return m
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
