// Package observer watches the agent's own footprint and throttles
// optional collectors when the configured CPU or memory caps are
// exceeded for a sustained period.
package observer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/metrics"
)

// overrunWindow is how long an overrun must persist before optional
// collectors are disabled.
const overrunWindow = 30 * time.Second

// sampleInterval is the self-usage sampling period.
const sampleInterval = 5 * time.Second

// Throttler disables a collector for the session. The pipeline
// satisfies it.
type Throttler interface {
	Disable(name, reason string)
}

// Monitor samples the agent's own /proc usage and enforces the limits
// config.
type Monitor struct {
	limits    config.LimitsConfig
	optional  []string // heaviest-first disable order
	throttler Throttler
	log       *zap.Logger
	m         *metrics.Set

	pid       int
	interval  time.Duration
	throttled bool

	prev       procSample
	prevAt     time.Time
	overrunFor time.Duration
}

// procSample holds raw readings from /proc/[pid]/stat.
type procSample struct {
	utime uint64 // clock ticks
	stime uint64
	rss   int64 // pages
	valid bool
}

// New builds a monitor over the current process. optional lists the
// collectors to disable on overrun, heaviest first.
func New(limits config.LimitsConfig, optional []string, throttler Throttler,
	log *zap.Logger, m *metrics.Set) *Monitor {
	return &Monitor{
		limits:    limits,
		optional:  optional,
		throttler: throttler,
		log:       log,
		m:         m,
		pid:       os.Getpid(),
		interval:  sampleInterval,
	}
}

// Run samples until the context is cancelled.
func (o *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.step(now, o.read())
		}
	}
}

// step computes CPU% and RSS deltas and tracks how long the process has
// been over its caps. Exported for tests via the step/read split.
func (o *Monitor) step(now time.Time, cur procSample) {
	if !cur.valid {
		return
	}
	prev, prevAt := o.prev, o.prevAt
	o.prev, o.prevAt = cur, now
	if !prev.valid || !now.After(prevAt) {
		return
	}

	elapsed := now.Sub(prevAt)
	cpuMs := ticksToMs(cur.utime-prev.utime) + ticksToMs(cur.stime-prev.stime)
	cpuPercent := float64(cpuMs) / float64(elapsed.Milliseconds()) * 100
	rssMB := cur.rss * int64(os.Getpagesize()) / (1024 * 1024)

	over := cpuPercent > o.limits.MaxCPUPercent || rssMB > int64(o.limits.MaxRSSMB)
	if !over {
		o.overrunFor = 0
		return
	}

	o.overrunFor += elapsed
	if o.overrunFor < overrunWindow || o.throttled {
		return
	}
	o.throttled = true

	o.log.Warn("self_throttle",
		zap.Float64("cpu_percent", cpuPercent),
		zap.Int64("rss_mb", rssMB),
		zap.Duration("overrun_for", o.overrunFor),
		zap.Strings("disabling", o.optional))
	if o.m != nil {
		o.m.SelfThrottles.Inc()
	}
	for _, name := range o.optional {
		o.throttler.Disable(name, "self_throttle")
	}
}

func (o *Monitor) read() procSample {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", o.pid))
	if err != nil {
		return procSample{}
	}
	return parseProcStat(string(data))
}

// ticksToMs converts clock ticks (100 Hz on Linux) to milliseconds.
func ticksToMs(ticks uint64) int64 {
	return int64(ticks) * 10
}

// parseProcStat extracts utime, stime and rss from /proc/[pid]/stat.
// The comm field may itself contain parentheses, so fields are counted
// from the last ")".
func parseProcStat(content string) procSample {
	var s procSample

	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return s
	}

	fields := strings.Fields(content[commEnd+2:])
	// fields[0]=state, fields[11]=utime, fields[12]=stime, fields[21]=rss
	if len(fields) > 12 {
		s.utime, _ = strconv.ParseUint(fields[11], 10, 64)
		s.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		s.rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}
	s.valid = true
	return s
}
