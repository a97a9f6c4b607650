// Package scheduler drives the sampling pipeline on a multi-rate clock
// and feeds the ring buffer and the store writer.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/model"
	"github.com/baikal/hostpulse/internal/ring"
)

// degradedAfter is the number of consecutive store write failures before
// /health reports store:degraded.
const degradedAfter = 5

// Ticker produces one snapshot per invocation. The pipeline satisfies it.
type Ticker interface {
	RunTick(ctx context.Context, maxCadence collector.Cadence) (*model.Snapshot, error)
}

// SnapshotWriter is the store surface the scheduler needs.
type SnapshotWriter interface {
	Write(ctx context.Context, snap *model.Snapshot) (int64, error)
	RetentionSweep(ctx context.Context, now time.Time) error
}

// Maintainer runs the VERY_LOW maintenance work. The pattern engine
// satisfies it.
type Maintainer interface {
	RefreshBaselines(ctx context.Context, now time.Time) error
}

// Scheduler owns the driver loop and the store writer goroutine.
type Scheduler struct {
	cfg        *config.Config
	pipe       Ticker
	buf        *ring.Buffer
	writer     SnapshotWriter
	maintainer Maintainer
	log        *zap.Logger
	health     *health.Registry
	m          *metrics.Set

	queue chan *model.Snapshot

	sweeping chan struct{} // capacity 1: at most one maintenance pass in flight
}

// New builds a scheduler. maintainer may be nil (one-shot collection).
func New(cfg *config.Config, pipe Ticker, buf *ring.Buffer, writer SnapshotWriter,
	maintainer Maintainer, log *zap.Logger, reg *health.Registry, m *metrics.Set) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		pipe:       pipe,
		buf:        buf,
		writer:     writer,
		maintainer: maintainer,
		log:        log,
		health:     reg,
		m:          m,
		queue:      make(chan *model.Snapshot, 64),
		sweeping:   make(chan struct{}, 1),
	}
}

// Run drives ticks until the context is cancelled, then drains the
// write queue within the configured drain window.
func (s *Scheduler) Run(ctx context.Context) error {
	s.health.SetScheduler(health.StatusOK)
	defer s.health.SetScheduler(health.StatusDown)

	g := &errgroup.Group{}
	g.Go(func() error {
		s.writeLoop()
		return nil
	})
	g.Go(func() error {
		s.driveLoop(ctx)
		close(s.queue)
		return nil
	})
	return g.Wait()
}

// driveLoop runs the HIGH-rate clock. Slower rate classes are folded in:
// a tick includes every collector whose interval has elapsed, so one
// strictly ordered snapshot stream feeds all consumers.
func (s *Scheduler) driveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HighInterval())
	defer ticker.Stop()

	var lastMedium, lastLow, lastMaintenance time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cadence := collector.CadenceHigh
			if now.Sub(lastMedium) >= s.cfg.MediumInterval() {
				cadence = collector.CadenceMedium
				lastMedium = now
			}
			if now.Sub(lastLow) >= s.cfg.LowInterval() {
				cadence = collector.CadenceLow
				lastLow = now
			}

			s.tick(ctx, cadence)

			if now.Sub(lastMaintenance) >= s.cfg.VeryLowInterval() {
				lastMaintenance = now
				s.maintain(ctx, now)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, cadence collector.Cadence) {
	snap, err := s.pipe.RunTick(ctx, cadence)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("tick discarded", zap.Error(err))
		}
		return
	}

	s.buf.Publish(snap)
	if s.m != nil {
		s.m.RingPublishes.Inc()
	}
	s.enqueue(snap)
}

// enqueue hands a snapshot to the store writer without blocking the
// driver: when the queue is saturated the oldest queued snapshot is
// dropped. The ring buffer still holds it for live readers.
func (s *Scheduler) enqueue(snap *model.Snapshot) {
	for {
		select {
		case s.queue <- snap:
			return
		default:
			select {
			case <-s.queue:
				if s.m != nil {
					s.m.StoreDrops.Inc()
				}
				s.log.Warn("store queue saturated, dropped oldest snapshot")
			default:
			}
		}
	}
}

// writeLoop persists queued snapshots until the queue closes. Write
// failures never stop the loop; sustained failure degrades store health.
func (s *Scheduler) writeLoop() {
	s.health.SetStore(health.StatusOK)
	consecutive := 0

	for snap := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.Shutdown.DrainSec)*time.Second)
		_, err := s.writer.Write(ctx, snap)
		cancel()

		if err != nil {
			consecutive++
			if s.m != nil {
				s.m.StoreWriteErrors.Inc()
			}
			s.log.Error("store write failed",
				zap.Time("snapshot", snap.Timestamp),
				zap.Int("consecutive", consecutive),
				zap.Error(err))
			if consecutive >= degradedAfter {
				s.health.SetStore(health.StatusDegraded)
			}
			continue
		}

		if consecutive >= degradedAfter {
			s.health.SetStore(health.StatusOK)
		}
		consecutive = 0
		if s.m != nil {
			s.m.SnapshotsWritten.Inc()
		}
	}
}

// maintain runs baseline refresh and the retention sweep off the driver
// goroutine. Overlapping passes are skipped.
func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	select {
	case s.sweeping <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-s.sweeping }()

		if s.maintainer != nil {
			if err := s.maintainer.RefreshBaselines(ctx, now); err != nil {
				s.log.Error("baseline refresh failed", zap.Error(err))
			}
		}
		if err := s.writer.RetentionSweep(ctx, now); err != nil {
			s.log.Error("retention sweep failed", zap.Error(err))
		}
	}()
}
