package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{Debug, Info, Warn, Error} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestZapLogger_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	lg := NewZapLogger(zap.New(core)).Named("reactor")

	lg.Logf(Debug, "hidden %d", 1)
	lg.Logf(Warn, "shown %d", 2)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "shown 2", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "reactor", entries[0].LoggerName)
}

func TestNamed_FallsBackForOtherLoggers(t *testing.T) {
	assert.Equal(t, NopLogger{}, Named(nil, "x"))
	assert.Equal(t, NopLogger{}, Named(NopLogger{}, "x"))
}

func TestOtelMeter_RecordsCountersAndHistograms(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewOtelMeter(provider.Meter("test"), nil)

	m.Counter("everscale_test_total", 1, Label{Key: "phase", Value: "end"})
	m.Counter("everscale_test_total", 2, Label{Key: "phase", Value: "end"})
	m.Histogram("everscale_test_seconds", 0.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		byName[md.Name] = md
	}
	sum, ok := byName["everscale_test_total"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 3.0, sum.DataPoints[0].Value)

	hist, ok := byName["everscale_test_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
