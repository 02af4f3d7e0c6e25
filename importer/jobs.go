package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/storage"
)

const (
	JobOrchestrate = "import.orchestrate"
	JobChunk       = "import.chunk"
	JobDetails     = "import.details"
	JobSold        = "import.sold"

	QueueImports = "imports"
	QueueSold    = "sold"

	MaxAttempts = 5
	RetryDelay  = 30 * time.Second
)

type RunPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

type ChunkPayload struct {
	RunID    uuid.UUID      `json:"run_id"`
	SearchID uuid.UUID      `json:"search_id"`
	Mode     models.RunMode `json:"mode"`
	PageGroup
}

type SoldPayload struct {
	PropertyID int64 `json:"property_id"`
}

func (s *Service) registerJobs() {
	s.queue.Register(JobOrchestrate, queue.Definition{
		Queue:       QueueImports,
		Timeout:     time.Hour,
		MaxAttempts: MaxAttempts,
		Backoff:     RetryDelay,
		Handler: func(ctx context.Context, raw json.RawMessage) error {
			var p RunPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			err := s.Orchestrate(ctx, p.RunID)
			if err != nil {
				s.recordAttemptError(ctx, p.RunID, "orchestrate: "+err.Error())
			}
			return err
		},
		Failed: func(ctx context.Context, raw json.RawMessage, err error) {
			var p RunPayload
			if json.Unmarshal(raw, &p) == nil {
				s.failRun(ctx, p.RunID, "orchestration gave up: "+err.Error())
			}
		},
	})

	s.queue.Register(JobChunk, queue.Definition{
		Queue:       QueueImports,
		Timeout:     10 * time.Minute,
		MaxAttempts: MaxAttempts,
		Backoff:     RetryDelay,
		Handler: func(ctx context.Context, raw json.RawMessage) error {
			var p ChunkPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			err := s.RunChunk(ctx, p)
			if err != nil {
				s.recordAttemptError(ctx, p.RunID, fmt.Sprintf("chunk %s: %v", p.label(), err))
			}
			return err
		},
		Failed: func(ctx context.Context, raw json.RawMessage, err error) {
			var p ChunkPayload
			if json.Unmarshal(raw, &p) != nil {
				return
			}
			if rerr := s.record(ctx, p.RunID, storage.RunDelta{Failed: 1}); rerr != nil {
				s.log.Error().Err(rerr).Str("run_id", p.RunID.String()).Msg("record failed chunk")
			}
		},
	})

	s.queue.Register(JobDetails, queue.Definition{
		Queue:       QueueImports,
		Timeout:     time.Hour,
		MaxAttempts: MaxAttempts,
		Backoff:     RetryDelay,
		Handler: func(ctx context.Context, raw json.RawMessage) error {
			var p RunPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			err := s.RunDetails(ctx, p.RunID)
			if err != nil {
				s.recordAttemptError(ctx, p.RunID, "details: "+err.Error())
			}
			return err
		},
		Failed: func(ctx context.Context, raw json.RawMessage, err error) {
			var p RunPayload
			if json.Unmarshal(raw, &p) != nil {
				return
			}
			if rerr := s.record(ctx, p.RunID, storage.RunDelta{Failed: 1}); rerr != nil {
				s.log.Error().Err(rerr).Str("run_id", p.RunID.String()).Msg("record failed details job")
			}
		},
	})

	s.queue.Register(JobSold, queue.Definition{
		Queue:       QueueSold,
		Timeout:     5 * time.Minute,
		MaxAttempts: MaxAttempts,
		Backoff:     RetryDelay,
		Handler: func(ctx context.Context, raw json.RawMessage) error {
			var p SoldPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			_, err := s.ImportSold(ctx, p.PropertyID)
			return err
		},
		Failed: func(ctx context.Context, raw json.RawMessage, err error) {
			s.log.Error().Err(err).RawJSON("payload", raw).Msg("sold import gave up")
		},
	})
}

// recordAttemptError appends one attempt's error to the run's log without
// touching job counters; only retry exhaustion counts as a failed job.
func (s *Service) recordAttemptError(ctx context.Context, runID uuid.UUID, msg string) {
	if _, err := s.store.IncrementRun(context.WithoutCancel(ctx), runID, storage.RunDelta{Error: msg}); err != nil {
		s.log.Error().Err(err).Str("run_id", runID.String()).Msg("record attempt error")
	}
}

func (p ChunkPayload) label() string {
	return fmt.Sprintf("%d-%d p%d-%d", p.MinPrice, p.MaxPrice, p.StartPage, p.EndPage)
}
