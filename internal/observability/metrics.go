package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/uma-arai/sbcntr-rental-batch/expiry"

// InitMetrics はPrometheusエクスポーターを使ったMeterProviderを初期化します
// /metrics 用のハンドラと終了処理を返します
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// ExpiryMetrics は予約失効処理のメトリクスです
// nil のままでも各メソッドは安全に呼び出せます
type ExpiryMetrics struct {
	meter         metric.Meter
	decisions     metric.Int64Counter
	checkFailures metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

// NewExpiryMetrics はグローバルのMeterProviderから計測器を作成します
func NewExpiryMetrics() (*ExpiryMetrics, error) {
	meter := otel.Meter(meterName)

	decisions, err := meter.Int64Counter("reservation_expiry_decisions",
		metric.WithDescription("Number of expiry decisions by trigger and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	checkFailures, err := meter.Int64Counter("reservation_expiry_check_failures",
		metric.WithDescription("Number of delayed expiry checks that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check failures counter: %w", err)
	}

	sweepDuration, err := meter.Float64Histogram("reservation_expiry_sweep_duration",
		metric.WithDescription("Duration of one periodic sweep"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep duration histogram: %w", err)
	}

	return &ExpiryMetrics{
		meter:         meter,
		decisions:     decisions,
		checkFailures: checkFailures,
		sweepDuration: sweepDuration,
	}, nil
}

// RecordDecision は判定結果を1件記録します
func (m *ExpiryMetrics) RecordDecision(ctx context.Context, trigger string, outcome model.ExpiryOutcome) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordCheckFailure は遅延チェックの失敗を記録します
// exhausted はリトライ上限に達してキューから取り除かれたかどうかです
func (m *ExpiryMetrics) RecordCheckFailure(ctx context.Context, exhausted bool) {
	if m == nil {
		return
	}
	m.checkFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("exhausted", exhausted)))
}

// RecordSweep はスイープ1回分の所要時間を記録します
func (m *ExpiryMetrics) RecordSweep(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Record(ctx, d.Seconds())
}

// ObserveBacklog は遅延キューの残件数をゲージとして公開します
func (m *ExpiryMetrics) ObserveBacklog(count func(context.Context) (int64, error)) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("reservation_expiry_check_backlog",
		metric.WithDescription("Number of expiry checks waiting in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create backlog gauge: %w", err)
	}
	return nil
}
