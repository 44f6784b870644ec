// Package lifecycle runs the daemon's background retention loops.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/correlation"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/state"
)

// partitionLayout is the day-directory name format under the event
// log directory.
const partitionLayout = "2006-01-02"

// Service periodically enforces retention:
//   - purges completed correlation traces past their max age
//   - sweeps expired async-queue items from the state store
//   - prunes aged event-log partitions (day directories + index rows)
//
// All operations are idempotent; a missed tick is made up by the next.
type Service struct {
	retention config.RetentionConfig
	traceAge  time.Duration
	traceTick time.Duration

	traces   *correlation.Store
	state    *state.Store
	events   *eventlog.Log
	eventDir string

	log *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service over the given stores. The
// event log may be nil when the caller only wants trace and queue
// sweeps.
func NewService(cfg *config.Config, traces *correlation.Store, st *state.Store, events *eventlog.Log) *Service {
	return &Service{
		retention: cfg.Retention,
		traceAge:  cfg.Correlation.MaxAge,
		traceTick: cfg.Correlation.CleanupInterval,
		traces:    traces,
		state:     st,
		events:    events,
		eventDir:  cfg.Paths.EventLogDir,
		log:       slog.With("component", "lifecycle"),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("retention started",
		"event_log_days", s.retention.EventLogDays,
		"queue_sweep_interval", s.retention.QueueSweepInterval,
		"trace_max_age", s.traceAge,
		"interval", s.retention.CleanupInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("retention stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	queues := time.NewTicker(s.retention.QueueSweepInterval)
	defer queues.Stop()
	traces := time.NewTicker(s.traceTick)
	defer traces.Stop()
	partitions := time.NewTicker(s.retention.CleanupInterval)
	defer partitions.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queues.C:
			s.sweepQueues(ctx)
		case <-traces.C:
			s.purgeTraces()
		case <-partitions.C:
			s.pruneEventLog(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepQueues(ctx)
	s.purgeTraces()
	s.pruneEventLog(ctx)
}

func (s *Service) sweepQueues(ctx context.Context) {
	if s.state == nil {
		return
	}
	count, err := s.state.SweepExpired(ctx)
	if err != nil {
		s.log.Error("retention: queue sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("retention: purged expired queue items", "count", count)
	}
}

func (s *Service) purgeTraces() {
	if s.traces == nil {
		return
	}
	if count := s.traces.Cleanup(s.traceAge); count > 0 {
		s.log.Info("retention: purged completed traces", "count", count, "max_age", s.traceAge)
	}
}

func (s *Service) pruneEventLog(ctx context.Context) {
	if s.events == nil || s.retention.EventLogDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention.EventLogDays)

	deleted, err := s.events.DeleteBefore(ctx, float64(cutoff.Unix()))
	if err != nil {
		s.log.Error("retention: event index prune failed", "error", err)
		return
	}

	removed, err := s.prunePartitions(cutoff)
	if err != nil {
		s.log.Error("retention: partition prune failed", "error", err)
		return
	}
	if deleted > 0 || removed > 0 {
		s.log.Info("retention: pruned event log",
			"index_rows", deleted, "partitions", removed, "cutoff", cutoff.Format(partitionLayout))
	}
}

// prunePartitions removes day directories dated strictly before the
// cutoff date. The directory holding the cutoff instant stays; it can
// contain rows from both sides.
func (s *Service) prunePartitions(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.eventDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoffDay := cutoff.Truncate(24 * time.Hour)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse(partitionLayout, e.Name())
		if err != nil {
			// Not a partition directory.
			continue
		}
		if !day.Before(cutoffDay) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.eventDir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
