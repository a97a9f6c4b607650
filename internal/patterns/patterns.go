// Package patterns runs the anomaly detectors: rolling baseline,
// threshold crossing with hysteresis, and statistical spike.
package patterns

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/model"
	"github.com/baikal/hostpulse/internal/ring"
)

// coldStartSamples is the number of observations a metric needs before a
// baseline exists. Spike detection is inert until then.
const coldStartSamples = 30

// Sink receives emitted anomalies and baseline refreshes. The store
// satisfies it.
type Sink interface {
	SaveAnomaly(ctx context.Context, a *model.Anomaly) (int64, error)
	UpsertBaseline(ctx context.Context, b *model.Baseline) error
}

// Engine consumes the snapshot stream and emits anomalies synchronously.
type Engine struct {
	cfg  config.PatternsConfig
	sink Sink
	log  *zap.Logger
	m    *metrics.Set

	mu        sync.Mutex
	detectors map[string]*detector
}

// New builds an engine with one detector per primary metric. Metrics
// without a configured threshold pair still get baseline and spike
// detection.
func New(cfg config.PatternsConfig, sink Sink, log *zap.Logger, m *metrics.Set) *Engine {
	e := &Engine{
		cfg:       cfg,
		sink:      sink,
		log:       log,
		m:         m,
		detectors: make(map[string]*detector, len(model.PrimaryMetrics)),
	}
	for _, name := range model.PrimaryMetrics {
		d := &detector{
			metric:  name,
			window:  make([]float64, 0, cfg.WindowSamples),
			maxSize: cfg.WindowSamples,
			spikeK:  cfg.SpikeK,
			sustain: cfg.SustainWindow,
		}
		if pair, ok := cfg.Thresholds[name]; ok {
			d.threshold = &pair
		}
		e.detectors[name] = d
	}
	return e
}

// Run consumes the subscriber until the context is cancelled or the
// channel closes (slow-consumer disconnect or buffer shutdown).
func (e *Engine) Run(ctx context.Context, sub *ring.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					e.log.Warn("pattern engine disconnected as slow consumer")
				}
				return
			}
			e.Observe(ctx, snap)
		}
	}
}

// Observe feeds one snapshot to every detector and persists any emitted
// anomalies before returning.
func (e *Engine) Observe(ctx context.Context, snap *model.Snapshot) []model.Anomaly {
	e.mu.Lock()
	var emitted []model.Anomaly
	for _, name := range model.PrimaryMetrics {
		v, ok := model.MetricValue(snap, name)
		if !ok {
			continue
		}
		emitted = append(emitted, e.detectors[name].observe(v, snap.Timestamp)...)
	}
	e.mu.Unlock()

	for i := range emitted {
		a := &emitted[i]
		id, err := e.sink.SaveAnomaly(ctx, a)
		if err != nil {
			e.log.Error("save anomaly",
				zap.String("metric", a.MetricName), zap.Error(err))
			continue
		}
		a.ID = id
		if e.m != nil {
			e.m.AnomaliesEmitted.WithLabelValues(string(a.Severity)).Inc()
		}
		e.log.Info("anomaly detected",
			zap.String("metric", a.MetricName),
			zap.String("severity", string(a.Severity)),
			zap.Float64("value", a.CurrentValue),
			zap.Float64("expected", a.ExpectedValue))
	}
	return emitted
}

// Baselines returns the current in-memory baselines for metrics past
// cold start.
func (e *Engine) Baselines(now time.Time) map[string]model.Baseline {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]model.Baseline)
	for name, d := range e.detectors {
		if b, ok := d.baseline(); ok {
			b.MetricName = name
			b.UpdatedAt = now
			out[name] = b
		}
	}
	return out
}

// RefreshBaselines persists every available baseline. Called on the
// VERY_LOW schedule.
func (e *Engine) RefreshBaselines(ctx context.Context, now time.Time) error {
	for _, b := range e.Baselines(now) {
		b := b
		if err := e.sink.UpsertBaseline(ctx, &b); err != nil {
			return err
		}
	}
	return nil
}

// detector holds the rolling window and hysteresis state for one metric.
type detector struct {
	metric    string
	window    []float64
	maxSize   int
	spikeK    float64
	sustain   int
	threshold *config.ThresholdPair

	active       model.Severity // "" when threshold state is clear
	runAboveWarn int
	runAboveCrit int
	runBelowWarn int
	spikeActive  bool
}

// observe processes one sample: spike check against the pre-sample
// baseline, threshold hysteresis, then window update.
func (d *detector) observe(v float64, ts time.Time) []model.Anomaly {
	var out []model.Anomaly

	mean, std, hasBaseline := d.stats()

	if hasBaseline && std > 0 && math.Abs(v-mean)/std > d.spikeK {
		if !d.spikeActive {
			d.spikeActive = true
			sev := model.SeverityInfo
			if d.threshold != nil && mean > d.threshold.Warn {
				sev = model.SeverityWarn
			}
			out = append(out, model.Anomaly{
				Timestamp:     ts,
				MetricName:    d.metric,
				CurrentValue:  v,
				ExpectedValue: mean,
				DeviationStd:  (v - mean) / std,
				Severity:      sev,
				Context:       map[string]any{"type": "spike"},
			})
		}
	} else {
		d.spikeActive = false
	}

	if d.threshold != nil {
		if a := d.observeThreshold(v, ts, mean, std, hasBaseline); a != nil {
			out = append(out, *a)
		}
	}

	d.push(v)
	return out
}

func (d *detector) observeThreshold(v float64, ts time.Time, mean, std float64, hasBaseline bool) *model.Anomaly {
	th := d.threshold

	if v < th.Warn {
		d.runAboveWarn = 0
		d.runAboveCrit = 0
		if d.active != "" {
			d.runBelowWarn++
			if d.runBelowWarn >= d.sustain {
				d.active = ""
				d.runBelowWarn = 0
			}
		}
		return nil
	}

	d.runBelowWarn = 0
	d.runAboveWarn++
	if v >= th.Critical {
		d.runAboveCrit++
	} else {
		d.runAboveCrit = 0
	}

	var (
		sev      model.Severity
		expected float64
	)
	switch {
	case d.runAboveCrit >= d.sustain && d.active != model.SeverityCritical:
		sev, expected = model.SeverityCritical, th.Critical
	case d.runAboveWarn >= d.sustain && d.active == "":
		sev, expected = model.SeverityWarn, th.Warn
	default:
		return nil
	}
	d.active = sev

	deviation := 0.0
	if hasBaseline && std > 0 {
		deviation = (v - mean) / std
	}
	return &model.Anomaly{
		Timestamp:     ts,
		MetricName:    d.metric,
		CurrentValue:  v,
		ExpectedValue: expected,
		DeviationStd:  deviation,
		Severity:      sev,
		Context:       map[string]any{"type": "threshold"},
	}
}

func (d *detector) push(v float64) {
	if len(d.window) == d.maxSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:d.maxSize-1]
	}
	d.window = append(d.window, v)
}

// stats returns the rolling mean and standard deviation. hasBaseline is
// false during cold start.
func (d *detector) stats() (mean, std float64, hasBaseline bool) {
	n := len(d.window)
	if n < coldStartSamples {
		return 0, 0, false
	}
	sum := 0.0
	for _, v := range d.window {
		sum += v
	}
	mean = sum / float64(n)

	variance := 0.0
	for _, v := range d.window {
		delta := v - mean
		variance += delta * delta
	}
	std = math.Sqrt(variance / float64(n))
	return mean, std, true
}

func (d *detector) baseline() (model.Baseline, bool) {
	mean, std, ok := d.stats()
	if !ok {
		return model.Baseline{}, false
	}
	min, max := d.window[0], d.window[0]
	for _, v := range d.window[1:] {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	return model.Baseline{
		Mean:        mean,
		StdDev:      std,
		Min:         min,
		Max:         max,
		SampleCount: len(d.window),
	}, true
}
