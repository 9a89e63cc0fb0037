package observability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestProvider_MetricContract pins the instrument names and label values
// the dashboards query. Renaming any of these breaks alerting.
func TestProvider_MetricContract(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default(),
		meter:  mp.Meter("test"),
	}
	require.NoError(t, p.initInstruments())

	p.RecordEvent(ctx, ResultOK)
	p.RecordEvent(ctx, ResultDuplicate)
	p.RecordEvent(ctx, ResultError)
	p.RecordActivity(ctx, "publish_portal", time.Second, nil)
	p.RecordFreshness(ctx, 30*time.Second)
	p.RecordGraphAPI(ctx, "/graph/owners", 200, 10*time.Millisecond)
	p.RecordChaos(ctx, "publish_portal")
	p.RecordChaosSuccess(ctx, "publish_portal")
	require.NoError(t, p.RegisterPendingGauge("CODEX", func(context.Context) map[string]int64 {
		return map[string]int64{"gh.pull_request.opened": 3}
	}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			metrics[m.Name] = m
		}
	}
	for _, want := range []string{
		"events_total",
		"activity_seconds",
		"doc_fresh_seconds",
		"graph_api_response_seconds",
		"chaos_drill_total",
		"chaos_drill_success_total",
		"stream_consumer_pending",
	} {
		assert.Contains(t, metrics, want)
	}

	// events_total carries result=ok|duplicate|error.
	sum, ok := metrics["events_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	results := map[string]bool{}
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key("result")); found {
			results[v.AsString()] = true
		}
	}
	assert.True(t, results[ResultOK])
	assert.True(t, results[ResultDuplicate])
	assert.True(t, results[ResultError])

	// activity histograms are labeled by activity name.
	hist, ok := metrics["activity_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	name, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("name"))
	assert.Equal(t, "publish_portal", name.AsString())

	// The pending gauge is labeled by consumer group and subject.
	gauge, ok := metrics["stream_consumer_pending"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	consumer, _ := gauge.DataPoints[0].Attributes.Value(attribute.Key("consumer"))
	assert.Equal(t, "CODEX", consumer.AsString())
	assert.EqualValues(t, 3, gauge.DataPoints[0].Value)
}
