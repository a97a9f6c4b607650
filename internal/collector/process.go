package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/baikal/hostpulse/internal/model"
)

// procReader is the subset of process state the collector samples,
// abstracted for testing.
type procReader interface {
	NameWithContext(ctx context.Context) (string, error)
	CPUPercentWithContext(ctx context.Context) (float64, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
	StatusWithContext(ctx context.Context) ([]string, error)
	CreateTimeWithContext(ctx context.Context) (int64, error)
	PID() int32
}

type psProc struct{ *process.Process }

func (p psProc) PID() int32 { return p.Pid }

// ProcessCollector samples the top-N processes by CPU, ties broken by
// memory then name. Only executable names are captured; paths and command
// lines are never read (privacy.process_name_only).
type ProcessCollector struct {
	list func(ctx context.Context) ([]procReader, error)
	topN int
}

func NewProcessCollector(topN int) *ProcessCollector {
	return &ProcessCollector{
		topN: topN,
		list: func(ctx context.Context) ([]procReader, error) {
			procs, err := process.ProcessesWithContext(ctx)
			if err != nil {
				return nil, err
			}
			readers := make([]procReader, len(procs))
			for i, p := range procs {
				readers[i] = psProc{p}
			}
			return readers, nil
		},
	}
}

func (c *ProcessCollector) Name() string     { return "process" }
func (c *ProcessCollector) Cadence() Cadence { return CadenceMedium }

func (c *ProcessCollector) Sample(ctx context.Context) (*Fragment, error) {
	procs, err := c.list(ctx)
	if err != nil {
		return nil, AsFailure(err)
	}

	infos := make([]model.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, AsFailure(ctx.Err())
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue // process exited or inaccessible mid-scan
		}

		info := model.ProcessInfo{Name: name, PID: p.PID()}
		info.CPUPercent, _ = p.CPUPercentWithContext(ctx)
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			info.MemoryMB = toMB(mi.RSS)
		}
		info.Threads, _ = p.NumThreadsWithContext(ctx)
		if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
			info.Status = st[0]
		}
		if ct, err := p.CreateTimeWithContext(ctx); err == nil && ct > 0 {
			info.StartedAt = time.UnixMilli(ct).UTC()
		}
		infos = append(infos, info)
	}

	model.SortProcesses(infos)
	if len(infos) > c.topN {
		infos = infos[:c.topN]
	}

	return &Fragment{Processes: infos}, nil
}
