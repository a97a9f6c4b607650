package collector

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/baikal/hostpulse/internal/model"
)

// actionClasses maps process-name substrings to the user_action buckets.
// Checked in order; the first class with a running match wins.
var actionClasses = []struct {
	action string
	apps   []string
}{
	{"gaming", []string{"steam", "lutris", "heroic", "gamescope"}},
	{"coding", []string{"code", "goland", "pycharm", "idea", "nvim", "vim", "emacs", "sublime"}},
	{"streaming", []string{"vlc", "mpv", "spotify", "obs", "plex"}},
	{"browsing", []string{"chrome", "chromium", "firefox", "brave", "edge", "safari"}},
}

// ContextCollector derives user-activity context from the clock, the
// process table and aggregate CPU load. It keeps a last-activity mark to
// report idle_seconds.
type ContextCollector struct {
	names      func(ctx context.Context) ([]string, error)
	cpuPercent func(ctx context.Context) (float64, error)
	now        func() time.Time

	lastActive time.Time // owned exclusively by this instance
}

func NewContextCollector() *ContextCollector {
	return &ContextCollector{
		names: func(ctx context.Context) ([]string, error) {
			procs, err := process.ProcessesWithContext(ctx)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(procs))
			for _, p := range procs {
				if n, err := p.NameWithContext(ctx); err == nil {
					names = append(names, n)
				}
			}
			return names, nil
		},
		cpuPercent: func(ctx context.Context) (float64, error) {
			vals, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(vals) == 0 {
				return 0, err
			}
			return vals[0], nil
		},
		now: time.Now,
	}
}

func (c *ContextCollector) Name() string     { return "context" }
func (c *ContextCollector) Cadence() Cadence { return CadenceHigh }

func (c *ContextCollector) Sample(ctx context.Context) (*Fragment, error) {
	now := c.now()

	names, err := c.names(ctx)
	if err != nil {
		return nil, AsFailure(err)
	}

	action := classifyAction(names)
	cpuLoad, _ := c.cpuPercent(ctx)
	active := action != "unknown" || cpuLoad > 10

	if active {
		c.lastActive = now
	} else if c.lastActive.IsZero() {
		c.lastActive = now
	}
	idle := now.Sub(c.lastActive).Seconds()
	if active {
		idle = 0
	} else if idle >= 300 {
		action = "idle"
	}

	sc := &model.SystemContext{
		UserActive:  active,
		IdleSeconds: idle,
		TimeOfDay:   model.TimeOfDay(now.Hour()),
		DayOfWeek:   now.Weekday().String(),
		UserAction:  action,
	}
	return &Fragment{Context: sc}, nil
}

func classifyAction(names []string) string {
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}
	for _, class := range actionClasses {
		for _, name := range lowered {
			for _, app := range class.apps {
				if strings.Contains(name, app) {
					return class.action
				}
			}
		}
	}
	return "unknown"
}
