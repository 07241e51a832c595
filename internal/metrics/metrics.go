// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordDispatch(platform, outcome, errorClass string)
	RecordDispatchLatency(platform string, duration time.Duration)
	RecordTick(enqueued, promoted, failed, deferred int)
	RecordRateLimitDeferral(platform string)
	RecordCrawl(success bool, pages int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	tickEnqueued    prometheus.Counter
	tickPromoted    prometheus.Counter
	tickFailed      prometheus.Counter
	tickDeferred    prometheus.Counter
	rateDeferrals   *prometheus.CounterVec
	crawls          *prometheus.CounterVec
	crawledPages    prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcaster_dispatch_total",
			Help: "ディスパッチ結果の合計数",
		}, []string{"platform", "outcome", "error_class"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postcaster_dispatch_latency_seconds",
			Help:    "プラットフォームへの投稿呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		tickEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcaster_tick_enqueued_total",
			Help: "Tickでキューに投入した投稿の合計数",
		}),
		tickPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcaster_tick_promoted_total",
			Help: "Tickでdueに遷移した投稿の合計数",
		}),
		tickFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcaster_tick_failed_total",
			Help: "アカウント無効のためTickでfailedにした投稿の合計数",
		}),
		tickDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcaster_tick_deferred_total",
			Help: "レート制限またはキュー満杯で見送った投稿の合計数",
		}),
		rateDeferrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcaster_rate_limit_deferrals_total",
			Help: "レート制限による見送りの合計数",
		}, []string{"platform"}),
		crawls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcaster_crawl_total",
			Help: "Webサイトのクロール結果の合計数",
		}, []string{"result"}),
		crawledPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcaster_crawled_pages_total",
			Help: "クロールで取得したページの合計数",
		}),
	}

	reg.MustRegister(
		c.dispatches,
		c.dispatchLatency,
		c.tickEnqueued,
		c.tickPromoted,
		c.tickFailed,
		c.tickDeferred,
		c.rateDeferrals,
		c.crawls,
		c.crawledPages,
	)

	return c
}

// RecordDispatch はディスパッチ結果を記録する。
func (c *Collector) RecordDispatch(platform, outcome, errorClass string) {
	if errorClass == "" {
		errorClass = "none"
	}
	c.dispatches.WithLabelValues(platform, outcome, errorClass).Inc()
}

// RecordDispatchLatency は投稿呼び出しのレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(platform string, duration time.Duration) {
	c.dispatchLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordTick はTick1回分の集計を記録する。
func (c *Collector) RecordTick(enqueued, promoted, failed, deferred int) {
	c.tickEnqueued.Add(float64(enqueued))
	c.tickPromoted.Add(float64(promoted))
	c.tickFailed.Add(float64(failed))
	c.tickDeferred.Add(float64(deferred))
}

// RecordRateLimitDeferral はレート制限による見送りを記録する。
func (c *Collector) RecordRateLimitDeferral(platform string) {
	c.rateDeferrals.WithLabelValues(platform).Inc()
}

// RecordCrawl はクロール結果を記録する。
func (c *Collector) RecordCrawl(success bool, pages int) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.crawls.WithLabelValues(result).Inc()
	c.crawledPages.Add(float64(pages))
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

var _ MetricsCollector = NopCollector{}

func (NopCollector) RecordDispatch(string, string, string)       {}
func (NopCollector) RecordDispatchLatency(string, time.Duration) {}
func (NopCollector) RecordTick(int, int, int, int)               {}
func (NopCollector) RecordRateLimitDeferral(string)              {}
func (NopCollector) RecordCrawl(bool, int)                       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
