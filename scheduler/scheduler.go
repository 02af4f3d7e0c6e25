// Package scheduler drives the periodic side of the importer: draining the
// job queue and advancing schedule runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Advancer moves every active schedule one step forward.
type Advancer interface {
	AdvancePending(ctx context.Context) (int, error)
}

// Drainer runs queued jobs inline. Drain also requeues jobs whose worker
// disappeared.
type Drainer interface {
	Drain(ctx context.Context, max int, queues ...string) (int, error)
}

type Scheduler struct {
	spec     string
	advancer Advancer
	queue    Drainer
	drainMax int
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New builds a scheduler. A nil queue skips draining, which suits processes
// that already run dedicated queue workers.
func New(spec string, advancer Advancer, queue Drainer, drainMax int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		spec:     spec,
		advancer: advancer,
		queue:    queue,
		drainMax: drainMax,
		cron:     cron.New(),
		log:      log,
	}
}

// Start registers the tick on the cron spec. An empty spec disables the
// scheduler; schedules then only move through explicit advance calls.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.spec == "" {
		s.log.Info().Msg("no schedule configured, schedules advance on request only")
		return nil
	}

	if _, err := s.cron.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.log.Info().Str("cron", s.spec).Msg("starting scheduler")
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Tick runs one scheduler pass. Overlapping ticks are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug().Msg("previous tick still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.queue != nil {
		n, err := s.queue.Drain(ctx, s.drainMax)
		if err != nil {
			s.log.Error().Err(err).Int("processed", n).Msg("drain queue")
		} else if n > 0 {
			s.log.Info().Int("jobs", n).Msg("drained queue")
		}
	}

	n, err := s.advancer.AdvancePending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("advance schedules")
		return
	}
	if n > 0 {
		s.log.Info().Int("schedules", n).Msg("advanced schedules")
	}
}
