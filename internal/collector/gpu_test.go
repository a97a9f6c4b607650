package collector

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

const smiTwoGPUs = `NVIDIA GeForce RTX 4090, 45, 8192, 24576, 62, 1800, 285.50, 2520, 10501
NVIDIA GeForce RTX 3060, 12, 2048, 12288, 41, 1200, 95.00, 1807, 7301
`

func TestParseSMIOutput(t *testing.T) {
	gpus := parseSMIOutput(smiTwoGPUs)
	if len(gpus) != 2 {
		t.Fatalf("parsed %d GPUs, want 2", len(gpus))
	}

	g := gpus[0]
	if g.Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("name = %q", g.Name)
	}
	if g.UsagePercent != 45 {
		t.Errorf("usage = %v, want 45", g.UsagePercent)
	}
	if !floatEq(g.MemoryUsedGB, 8, 0.01) {
		t.Errorf("memory used = %v GB, want 8", g.MemoryUsedGB)
	}
	if !floatEq(g.MemoryTotalGB, 24, 0.01) {
		t.Errorf("memory total = %v GB, want 24", g.MemoryTotalGB)
	}
	if g.TemperatureCelsius == nil || *g.TemperatureCelsius != 62 {
		t.Errorf("temperature = %v, want 62", g.TemperatureCelsius)
	}
	if g.PowerWatts != 285.5 {
		t.Errorf("power = %v, want 285.5", g.PowerWatts)
	}
	if g.CoreClockMHz != 2520 || g.MemoryClockMHz != 10501 {
		t.Errorf("clocks = %v/%v", g.CoreClockMHz, g.MemoryClockMHz)
	}
}

func TestParseSMIOutputNA(t *testing.T) {
	gpus := parseSMIOutput("Tesla T4, 5, 1024, 16384, [N/A], [N/A], [N/A], 585, 5001\n")
	if len(gpus) != 1 {
		t.Fatalf("parsed %d GPUs, want 1", len(gpus))
	}
	if gpus[0].TemperatureCelsius != nil {
		t.Error("unparseable temperature should stay absent, not zero")
	}
	if gpus[0].FanRPM != 0 || gpus[0].PowerWatts != 0 {
		t.Error("unparseable numeric fields should be zero")
	}
}

func TestGPUCollectorMissingBinary(t *testing.T) {
	c := NewGPUCollector(&fakeRunner{err: exec.ErrNotFound})
	_, err := c.Sample(context.Background())

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected Failure, got %v", err)
	}
	if f.Code != ReasonMissingDependency {
		t.Errorf("code = %s, want missing_dependency", f.Code)
	}
	if !f.Permanent() {
		t.Error("missing binary should be a permanent failure")
	}
}

func TestGPUCollectorSample(t *testing.T) {
	c := NewGPUCollector(&fakeRunner{out: []byte(smiTwoGPUs)})
	frag, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(frag.GPU) != 2 {
		t.Fatalf("fragment has %d GPUs, want 2", len(frag.GPU))
	}
}

func TestGPUCollectorEmptyOutput(t *testing.T) {
	c := NewGPUCollector(&fakeRunner{out: []byte("")})
	_, err := c.Sample(context.Background())

	var f *Failure
	if !errors.As(err, &f) || f.Code != ReasonUnsupported {
		t.Errorf("empty output should be unsupported, got %v", err)
	}
}

func floatEq(a, b, tolerance float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
