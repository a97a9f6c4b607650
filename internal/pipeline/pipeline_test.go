package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/model"
)

type stubCollector struct {
	name    string
	cadence collector.Cadence
	frag    *collector.Fragment
	err     error
	delay   time.Duration
	calls   int
}

func (s *stubCollector) Name() string               { return s.name }
func (s *stubCollector) Cadence() collector.Cadence { return s.cadence }

func (s *stubCollector) Sample(ctx context.Context) (*collector.Fragment, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.frag, s.err
}

func cpuFrag(usage float64) *collector.Fragment {
	return &collector.Fragment{CPU: &model.CPUMetrics{
		UsagePercent:  usage,
		LogicalCount:  8,
		PhysicalCount: 4,
	}}
}

func ramFrag() *collector.Fragment {
	return &collector.Fragment{RAM: &model.RAMMetrics{
		TotalGB:      32,
		UsedGB:       16,
		AvailableGB:  14,
		UsagePercent: 50,
	}}
}

func newPipeline(t *testing.T, budget time.Duration, cs ...collector.Collector) *Pipeline {
	t.Helper()
	return New(cs, budget, zap.NewNop(), health.NewRegistry(), nil)
}

func TestRunTickMergesFragments(t *testing.T) {
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", frag: cpuFrag(42.5)},
		&stubCollector{name: "ram", frag: ramFrag()},
	)

	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if snap.CPU == nil || snap.CPU.UsagePercent != 42.5 {
		t.Fatalf("cpu fragment not merged: %+v", snap.CPU)
	}
	if snap.RAM == nil || snap.RAM.TotalGB != 32 {
		t.Fatalf("ram fragment not merged: %+v", snap.RAM)
	}
	if snap.CollectorErrors != nil {
		t.Fatalf("unexpected collector errors: %v", snap.CollectorErrors)
	}
	if snap.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestSlowCollectorTimesOutWithoutStallingTick(t *testing.T) {
	p := newPipeline(t, 50*time.Millisecond,
		&stubCollector{name: "cpu", frag: cpuFrag(10)},
		&stubCollector{name: "network", delay: 500 * time.Millisecond},
	)

	start := time.Now()
	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("tick blocked on slow collector: took %v", elapsed)
	}
	if snap.CPU == nil {
		t.Fatal("fast collector's fragment missing")
	}
	if got := snap.CollectorErrors["network"]; got != "timeout" {
		t.Fatalf("collector_errors[network] = %q, want %q", got, "timeout")
	}
}

func TestInvalidFragmentRejected(t *testing.T) {
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", frag: cpuFrag(250)}, // out of range
		&stubCollector{name: "ram", frag: ramFrag()},
	)

	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if snap.CPU != nil {
		t.Fatal("rejected fragment must not reach the snapshot")
	}
	if got := snap.CollectorErrors["cpu"]; got != "invalid_range:cpu.usage_percent" {
		t.Fatalf("collector_errors[cpu] = %q", got)
	}
	if snap.RAM == nil {
		t.Fatal("valid fragment dropped alongside invalid one")
	}
}

func TestPermanentFailureDisablesCollector(t *testing.T) {
	gpu := &stubCollector{name: "gpu", err: collector.Failf(collector.ReasonMissingDependency, "nvidia-smi not found")}
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", frag: cpuFrag(5)},
		gpu,
	)

	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if got := snap.CollectorErrors["gpu"]; got != "missing_dependency" {
		t.Fatalf("collector_errors[gpu] = %q", got)
	}

	snap, err = p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if _, present := snap.CollectorErrors["gpu"]; present {
		t.Fatal("disabled collector still reported an error")
	}
	if gpu.calls != 1 {
		t.Fatalf("disabled collector sampled %d times, want 1", gpu.calls)
	}
}

func TestTransientFailureRetriesNextTick(t *testing.T) {
	flaky := &stubCollector{name: "disk", err: collector.Failf(collector.ReasonTransient, "read failed")}
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", frag: cpuFrag(5)},
		flaky,
	)

	for i := 0; i < 3; i++ {
		if _, err := p.RunTick(context.Background(), collector.CadenceHigh); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if flaky.calls != 3 {
		t.Fatalf("transient failure stopped retries: %d calls", flaky.calls)
	}
}

func TestCadenceFiltering(t *testing.T) {
	proc := &stubCollector{name: "process", cadence: collector.CadenceMedium,
		frag: &collector.Fragment{Processes: []model.ProcessInfo{{Name: "x", PID: 1}}}}
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", cadence: collector.CadenceHigh, frag: cpuFrag(5)},
		proc,
	)

	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("high tick: %v", err)
	}
	if len(snap.Processes) != 0 || proc.calls != 0 {
		t.Fatal("medium collector ran on a high-rate tick")
	}

	snap, err = p.RunTick(context.Background(), collector.CadenceMedium)
	if err != nil {
		t.Fatalf("medium tick: %v", err)
	}
	if len(snap.Processes) != 1 || proc.calls != 1 {
		t.Fatal("medium collector missing from medium-rate tick")
	}
}

func TestTimestampsStrictlyIncreasing(t *testing.T) {
	p := newPipeline(t, time.Second, &stubCollector{name: "cpu", frag: cpuFrag(1)})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	first, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	second, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("timestamps not strictly increasing: %v then %v", first.Timestamp, second.Timestamp)
	}

	// Clock jumping backwards rejects the tick.
	p.now = func() time.Time { return fixed.Add(-time.Hour) }
	if _, err := p.RunTick(context.Background(), collector.CadenceHigh); err != ErrClockBackwards {
		t.Fatalf("err = %v, want ErrClockBackwards", err)
	}
}

func TestAllCollectorsFailedYieldsNoSnapshot(t *testing.T) {
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", err: collector.Failf(collector.ReasonTransient, "boom")},
	)

	if _, err := p.RunTick(context.Background(), collector.CadenceHigh); err != ErrEmptySnapshot {
		t.Fatalf("err = %v, want ErrEmptySnapshot", err)
	}
}

func TestTemperatureOverlayFillsCPUFragment(t *testing.T) {
	temp := 61.0
	p := newPipeline(t, time.Second,
		&stubCollector{name: "cpu", frag: cpuFrag(12)},
		&stubCollector{name: "platform", frag: &collector.Fragment{CPUTemperature: &temp}},
	)

	snap, err := p.RunTick(context.Background(), collector.CadenceHigh)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if snap.CPU.TemperatureCelsius == nil || *snap.CPU.TemperatureCelsius != 61.0 {
		t.Fatalf("temperature overlay not applied: %+v", snap.CPU.TemperatureCelsius)
	}
}
