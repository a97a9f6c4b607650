// Package pipeline orchestrates one sampling tick: parallel collector
// fan-out under a shared deadline, normalization, validation, and
// snapshot assembly.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/model"
)

// ErrEmptySnapshot is returned when every collector failed and the
// snapshot carries no fragment; such snapshots are discarded.
var ErrEmptySnapshot = errors.New("snapshot has no fragments")

// ErrClockBackwards is returned when the wall clock moved behind the
// previous snapshot timestamp by more than a millisecond bump can fix.
var ErrClockBackwards = errors.New("timestamp earlier than previous snapshot")

// Pipeline assembles snapshots. It is the single writer of the snapshot
// stream; RunTick must not be called concurrently with itself.
type Pipeline struct {
	collectors []collector.Collector
	budget     time.Duration
	log        *zap.Logger
	health     *health.Registry
	metrics    *metrics.Set

	mu       sync.Mutex
	disabled map[string]string // name -> reason

	lastTS time.Time
	now    func() time.Time
}

// New builds a pipeline over the given collectors with a per-tick
// collector deadline.
func New(cs []collector.Collector, budget time.Duration, log *zap.Logger, reg *health.Registry, m *metrics.Set) *Pipeline {
	return &Pipeline{
		collectors: cs,
		budget:     budget,
		log:        log,
		health:     reg,
		metrics:    m,
		disabled:   make(map[string]string),
		now:        time.Now,
	}
}

// Disable removes a collector from future ticks for the rest of the
// session. Used for permanent failures and observer self-throttling.
func (p *Pipeline) Disable(name, reason string) {
	p.mu.Lock()
	_, already := p.disabled[name]
	if !already {
		p.disabled[name] = reason
	}
	p.mu.Unlock()
	if !already {
		p.log.Warn("collector_disabled", zap.String("collector", name), zap.String("reason", reason))
		p.health.CollectorDisabled(name, reason)
	}
}

func (p *Pipeline) isDisabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.disabled[name]
	return ok
}

type sampleResult struct {
	c    collector.Collector
	frag *collector.Fragment
	err  error
}

// RunTick samples every enabled collector at the given rate class or
// faster and assembles one snapshot. A collector failure never aborts the
// tick; it is recorded in collector_errors.
func (p *Pipeline) RunTick(ctx context.Context, maxCadence collector.Cadence) (*model.Snapshot, error) {
	start := p.now()

	var active []collector.Collector
	for _, c := range p.collectors {
		if c.Cadence() <= maxCadence && !p.isDisabled(c.Name()) {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, ErrEmptySnapshot
	}

	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	// Buffered so stragglers that ignore the deadline can still send
	// without leaking the goroutine.
	results := make(chan sampleResult, len(active))
	for _, c := range active {
		go func(c collector.Collector) {
			frag, err := c.Sample(ctx)
			results <- sampleResult{c: c, frag: frag, err: err}
		}(c)
	}

	reported := make(map[string]sampleResult, len(active))
	for len(reported) < len(active) {
		select {
		case r := <-results:
			reported[r.c.Name()] = r
		case <-ctx.Done():
			// Whoever has not reported yet missed the deadline.
			for _, c := range active {
				if _, ok := reported[c.Name()]; !ok {
					reported[c.Name()] = sampleResult{
						c:   c,
						err: collector.Failf(collector.ReasonTimeout, "missed tick deadline"),
					}
				}
			}
		}
	}

	snap := p.assemble(active, reported, start)
	if !snap.HasFragment() {
		return nil, ErrEmptySnapshot
	}

	ts, err := p.nextTimestamp()
	if err != nil {
		return nil, err
	}
	snap.Timestamp = ts
	snap.CollectionDurationMS = p.now().Sub(start).Milliseconds()

	if p.metrics != nil {
		p.metrics.TicksTotal.Inc()
		p.metrics.TickDuration.Observe(p.now().Sub(start).Seconds())
	}
	return snap, nil
}

// assemble merges fragments in registry order, applies normalization and
// validation, and builds the collector error map.
func (p *Pipeline) assemble(active []collector.Collector, reported map[string]sampleResult, at time.Time) *model.Snapshot {
	snap := &model.Snapshot{CollectorErrors: make(map[string]string)}
	var cpuTemp *float64

	for _, c := range active {
		name := c.Name()
		r := reported[name]

		if r.err != nil {
			p.recordFailure(name, collector.AsFailure(r.err))
			continue
		}
		if r.frag.Empty() {
			p.recordFailure(name, collector.Failf(collector.ReasonTransient, "empty fragment"))
			continue
		}

		frag := Normalize(r.frag)
		if err := Validate(frag); err != nil {
			snap.CollectorErrors[name] = err.Error()
			p.health.CollectorFailed(name, err.Error())
			if p.metrics != nil {
				p.metrics.CollectorFailures.WithLabelValues(name, "invalid_range").Inc()
			}
			continue
		}

		mergeFragment(snap, frag)
		if frag.CPUTemperature != nil {
			cpuTemp = frag.CPUTemperature
		}
		p.health.CollectorSucceeded(name, at)
	}

	// Sensor overlay: only fills an absent reading, never overrides the
	// cpu collector's own.
	if cpuTemp != nil && snap.CPU != nil && snap.CPU.TemperatureCelsius == nil {
		snap.CPU.TemperatureCelsius = cpuTemp
	}

	// Record the failure reasons gathered above.
	for name, r := range reported {
		if r.err == nil {
			continue
		}
		f := collector.AsFailure(r.err)
		snap.CollectorErrors[name] = string(f.Code)
	}

	if len(snap.CollectorErrors) == 0 {
		snap.CollectorErrors = nil
	}
	return snap
}

func (p *Pipeline) recordFailure(name string, f *collector.Failure) {
	p.health.CollectorFailed(name, f.Error())
	if p.metrics != nil {
		p.metrics.CollectorFailures.WithLabelValues(name, string(f.Code)).Inc()
	}
	if f.Permanent() {
		p.Disable(name, f.Error())
	} else {
		p.log.Debug("collector failed",
			zap.String("collector", name), zap.String("reason", f.Error()))
	}
}

// nextTimestamp enforces strict monotonicity: equal clock readings are
// bumped by one millisecond, an earlier reading rejects the tick.
func (p *Pipeline) nextTimestamp() (time.Time, error) {
	ts := p.now().UTC().Truncate(time.Millisecond)
	switch {
	case ts.After(p.lastTS):
	case ts.Equal(p.lastTS):
		ts = p.lastTS.Add(time.Millisecond)
	default:
		return time.Time{}, ErrClockBackwards
	}
	p.lastTS = ts
	return ts, nil
}

func mergeFragment(snap *model.Snapshot, frag *collector.Fragment) {
	if frag.CPU != nil && snap.CPU == nil {
		snap.CPU = frag.CPU
	}
	if frag.RAM != nil && snap.RAM == nil {
		snap.RAM = frag.RAM
	}
	if len(frag.GPU) > 0 && len(snap.GPU) == 0 {
		snap.GPU = frag.GPU
	}
	if frag.Disk != nil && snap.Disk == nil {
		snap.Disk = frag.Disk
	}
	if frag.Network != nil && snap.Network == nil {
		snap.Network = frag.Network
	}
	if len(frag.Processes) > 0 && len(snap.Processes) == 0 {
		snap.Processes = frag.Processes
	}
	if frag.Context != nil && snap.Context == nil {
		snap.Context = frag.Context
	}
}
