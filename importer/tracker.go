package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"estate_importer/models"
	"estate_importer/queue"
	"estate_importer/storage"
)

type Event string

const (
	EventStart   Event = "start"
	EventSettled Event = "settled"
	EventCancel  Event = "cancel"
)

// Action is the outcome of a run event: a store transition plus the job to
// queue once that transition has been applied.
type Action struct {
	Transition storage.RunTransition
	Enqueue    string
}

var live = []models.RunStatus{models.RunStatusPending, models.RunStatusProcessing}

// Decide maps (run state, event) to the next state. It is pure; the
// transition carries its own preconditions so a racing caller whose view is
// stale gets a no-op from the store.
//
//	pending               start    -> processing
//	pending|processing    cancel   -> cancelled
//	processing urls_only  settled  -> processing fetch_details (scheduled runs), queue details job
//	processing            settled  -> failed when failed > completed, else completed
func Decide(run *models.ImportRun, event Event) (Action, bool) {
	switch event {
	case EventStart:
		if run.Status != models.RunStatusPending {
			return Action{}, false
		}
		return Action{Transition: storage.RunTransition{
			From:  []models.RunStatus{models.RunStatusPending},
			To:    models.RunStatusProcessing,
			Start: true,
		}}, true

	case EventCancel:
		if run.Status.Terminal() {
			return Action{}, false
		}
		return Action{Transition: storage.RunTransition{
			From:     live,
			To:       models.RunStatusCancelled,
			Complete: true,
			Message:  "Cancelled",
		}}, true

	case EventSettled:
		if run.Status != models.RunStatusProcessing || !run.Settled() {
			return Action{}, false
		}

		if run.Mode == models.ModeURLsOnly && run.ScheduleID != nil {
			one := 1
			return Action{
				Transition: storage.RunTransition{
					From:           []models.RunStatus{models.RunStatusProcessing},
					FromMode:       models.ModeURLsOnly,
					RequireSettled: true,
					To:             models.RunStatusProcessing,
					ToMode:         models.ModeFetchDetails,
					ResetCounters:  true,
					TotalJobs:      &one,
					Message:        fmt.Sprintf("URL discovery finished (%d jobs), fetching details", run.CompletedJobs+run.FailedJobs),
				},
				Enqueue: JobDetails,
			}, true
		}

		to := models.RunStatusCompleted
		msg := fmt.Sprintf("Completed: %d imported, %d skipped", run.ImportedProperties, run.SkippedProperties)
		if run.FailedJobs > run.CompletedJobs {
			to = models.RunStatusFailed
			msg = fmt.Sprintf("Failed: %d of %d jobs failed", run.FailedJobs, run.TotalJobs)
		}
		return Action{Transition: storage.RunTransition{
			From:           []models.RunStatus{models.RunStatusProcessing},
			RequireSettled: true,
			To:             to,
			Complete:       true,
			Message:        msg,
		}}, true
	}
	return Action{}, false
}

// apply decides and applies an event. It returns nil when the event had no
// effect, including when another worker won the transition.
func (s *Service) apply(ctx context.Context, run *models.ImportRun, event Event) (*models.ImportRun, error) {
	action, ok := Decide(run, event)
	if !ok {
		return nil, nil
	}

	updated, err := s.store.TransitionRun(ctx, run.ID, action.Transition)
	if err != nil {
		return nil, fmt.Errorf("transition run: %w", err)
	}
	if updated == nil {
		return nil, nil
	}

	log := s.log.With().Str("run_id", run.ID.String()).Str("event", string(event)).Logger()
	log.Info().Str("status", string(updated.Status)).Str("mode", string(updated.Mode)).Msg(updated.Message)

	if action.Enqueue != "" {
		if _, err := s.queue.Enqueue(ctx, action.Enqueue, RunPayload{RunID: run.ID}, queue.Options{}); err != nil {
			log.Error().Err(err).Str("job_type", action.Enqueue).Msg("queue next stage")
			s.failRun(ctx, run.ID, "queue "+action.Enqueue+": "+err.Error())
			return nil, err
		}
	}
	return updated, nil
}

// record applies a counter delta and settles the run if that delta was the
// last one outstanding.
func (s *Service) record(ctx context.Context, runID uuid.UUID, delta storage.RunDelta) error {
	ctx = context.WithoutCancel(ctx)
	run, err := s.store.IncrementRun(ctx, runID, delta)
	if err != nil {
		return fmt.Errorf("increment run: %w", err)
	}
	if run == nil || !run.Settled() {
		return nil
	}
	_, err = s.apply(ctx, run, EventSettled)
	return err
}
