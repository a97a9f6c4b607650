package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/model"
)

type fakeSink struct {
	anomalies []model.Anomaly
	baselines []model.Baseline
}

func (f *fakeSink) SaveAnomaly(_ context.Context, a *model.Anomaly) (int64, error) {
	f.anomalies = append(f.anomalies, *a)
	return int64(len(f.anomalies)), nil
}

func (f *fakeSink) UpsertBaseline(_ context.Context, b *model.Baseline) error {
	f.baselines = append(f.baselines, *b)
	return nil
}

func testConfig(thresholds map[string]config.ThresholdPair) config.PatternsConfig {
	return config.PatternsConfig{
		WindowSamples: 720,
		SpikeK:        3.0,
		SustainWindow: 10,
		Thresholds:    thresholds,
	}
}

var testBase = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// feedCPU pushes one cpu_percent sample per value at the HIGH cadence.
func feedCPU(e *Engine, values []float64) {
	for i, v := range values {
		snap := &model.Snapshot{
			Timestamp: testBase.Add(time.Duration(i) * 3 * time.Second),
			CPU:       &model.CPUMetrics{UsagePercent: v, LogicalCount: 4, PhysicalCount: 2},
		}
		e.Observe(context.Background(), snap)
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestThresholdHysteresis(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(map[string]config.ThresholdPair{
		model.MetricCPUPercent: {Warn: 90, Critical: 99},
	}), sink, zap.NewNop(), nil)

	var series []float64
	series = append(series, repeat(50, 20)...)
	series = append(series, repeat(95, 12)...)
	series = append(series, repeat(50, 20)...)
	feedCPU(e, series)

	require.Len(t, sink.anomalies, 1, "hysteresis must yield exactly one anomaly")
	a := sink.anomalies[0]
	assert.Equal(t, model.MetricCPUPercent, a.MetricName)
	assert.Equal(t, model.SeverityWarn, a.Severity)
	// The 30th sample is the 10th at or above warn.
	assert.Equal(t, testBase.Add(29*3*time.Second), a.Timestamp)
	assert.Equal(t, 95.0, a.CurrentValue)
	assert.Equal(t, 90.0, a.ExpectedValue)
	assert.Equal(t, "threshold", a.Context["type"])
}

func TestSingleSampleSpikeThroughThresholdIgnored(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(map[string]config.ThresholdPair{
		model.MetricCPUPercent: {Warn: 90, Critical: 99},
	}), sink, zap.NewNop(), nil)

	// One 95 between runs of 20 never sustains.
	var series []float64
	series = append(series, repeat(20, 15)...)
	series = append(series, 95)
	series = append(series, repeat(20, 15)...)
	feedCPU(e, series)

	for _, a := range sink.anomalies {
		assert.NotEqual(t, "threshold", a.Context["type"],
			"single-sample crossing must not produce a threshold anomaly")
	}
}

func TestThresholdEscalatesToCritical(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(map[string]config.ThresholdPair{
		model.MetricCPUPercent: {Warn: 90, Critical: 99},
	}), sink, zap.NewNop(), nil)

	var series []float64
	series = append(series, repeat(95, 10)...)  // sustained warn
	series = append(series, repeat(100, 10)...) // sustained critical
	feedCPU(e, series)

	require.Len(t, sink.anomalies, 2)
	assert.Equal(t, model.SeverityWarn, sink.anomalies[0].Severity)
	assert.Equal(t, model.SeverityCritical, sink.anomalies[1].Severity)
	assert.Equal(t, 99.0, sink.anomalies[1].ExpectedValue)
}

func TestClearRequiresSustainedRecovery(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(map[string]config.ThresholdPair{
		model.MetricCPUPercent: {Warn: 90, Critical: 99},
	}), sink, zap.NewNop(), nil)

	var series []float64
	series = append(series, repeat(95, 10)...) // fires warn
	series = append(series, repeat(50, 9)...)  // not enough to clear
	series = append(series, repeat(95, 10)...) // still active: no new anomaly
	feedCPU(e, series)
	require.Len(t, sink.anomalies, 1)

	series = nil
	series = append(series, repeat(50, 10)...) // clears
	series = append(series, repeat(95, 10)...) // fires again
	feedCPU(e, series)
	assert.Len(t, sink.anomalies, 2)
}

func TestSpikeDetection(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(nil), sink, zap.NewNop(), nil)

	// Alternating 49/51 gives mean 50, std 1.
	var series []float64
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			series = append(series, 49)
		} else {
			series = append(series, 51)
		}
	}
	series = append(series, 70, 70) // consecutive spikes: one anomaly
	series = append(series, 50)     // clears spike state
	series = append(series, 70)     // second spike
	feedCPU(e, series)

	require.Len(t, sink.anomalies, 2)
	first := sink.anomalies[0]
	assert.Equal(t, "spike", first.Context["type"])
	assert.Equal(t, model.SeverityInfo, first.Severity)
	assert.Equal(t, 70.0, first.CurrentValue)
	assert.InDelta(t, 50.0, first.ExpectedValue, 0.5)
	assert.Greater(t, first.DeviationStd, 3.0)
}

func TestSpikeSilentDuringColdStart(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(nil), sink, zap.NewNop(), nil)

	series := append(repeat(50, 29), 5000)
	feedCPU(e, series)

	assert.Empty(t, sink.anomalies, "no baseline exists before 30 samples")
}

func TestSpikeSeverityWarnWhenMeanAboveWarn(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(map[string]config.ThresholdPair{
		model.MetricCPUPercent: {Warn: 60, Critical: 200},
	}), sink, zap.NewNop(), nil)

	// Mean 62 sits above warn; the threshold detector fires once, then the
	// jump to 100 is a spike at warn severity.
	var series []float64
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			series = append(series, 61)
		} else {
			series = append(series, 63)
		}
	}
	series = append(series, 100)
	feedCPU(e, series)

	var spike *model.Anomaly
	for i := range sink.anomalies {
		if sink.anomalies[i].Context["type"] == "spike" {
			spike = &sink.anomalies[i]
		}
	}
	require.NotNil(t, spike)
	assert.Equal(t, model.SeverityWarn, spike.Severity)
}

func TestBaselineRefresh(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(nil), sink, zap.NewNop(), nil)

	feedCPU(e, repeat(40, 50))

	now := testBase.Add(time.Hour)
	baselines := e.Baselines(now)
	require.Contains(t, baselines, model.MetricCPUPercent)
	b := baselines[model.MetricCPUPercent]
	assert.Equal(t, 40.0, b.Mean)
	assert.Equal(t, 0.0, b.StdDev)
	assert.Equal(t, 50, b.SampleCount)
	assert.Equal(t, now, b.UpdatedAt)

	// Metrics never observed have no baseline.
	assert.NotContains(t, baselines, model.MetricRAMPercent)

	require.NoError(t, e.RefreshBaselines(context.Background(), now))
	require.Len(t, sink.baselines, 1)
	assert.Equal(t, model.MetricCPUPercent, sink.baselines[0].MetricName)
}

func TestWindowBounded(t *testing.T) {
	cfg := testConfig(nil)
	cfg.WindowSamples = 50
	sink := &fakeSink{}
	e := New(cfg, sink, zap.NewNop(), nil)

	feedCPU(e, repeat(10, 200))

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.detectors[model.MetricCPUPercent].window, 50)
}
