package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"estate_importer/models"
)

// Progress is what the polling client sees after each advance.
type Progress struct {
	Done       bool                  `json:"done"`
	Status     models.ScheduleStatus `json:"status"`
	Stage      string                `json:"stage"`
	Message    string                `json:"message"`
	Percentage float64               `json:"percentage"`
	RunID      *uuid.UUID            `json:"run_id,omitempty"`
}

// CreateSchedule registers a pending schedule for a search.
func (s *Service) CreateSchedule(ctx context.Context, searchID uuid.UUID) (*models.ScheduleRun, error) {
	search, err := s.store.GetSearch(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("get search: %w", err)
	}
	if search == nil {
		return nil, ErrSearchNotFound
	}

	sr := &models.ScheduleRun{SearchID: searchID, Status: models.ScheduleStatusPending, Message: "Waiting to start"}
	if err := s.store.CreateSchedule(ctx, sr); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sr, nil
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*models.ScheduleRun, error) {
	sr, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sr == nil {
		return nil, ErrScheduleNotFound
	}
	return sr, nil
}

// Advance moves a schedule forward by one small step: start its run,
// process one queued job, or import one batch of sold history.
func (s *Service) Advance(ctx context.Context, id uuid.UUID) (*Progress, error) {
	sr, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sr.Done() {
		return s.progress(ctx, sr)
	}

	switch sr.Status {
	case models.ScheduleStatusPending:
		err = s.startSchedule(ctx, sr)
	case models.ScheduleStatusImporting:
		if sr.URLDone && sr.DetailDone {
			err = s.advanceSold(ctx, sr)
		} else {
			err = s.advanceRun(ctx, sr)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateSchedule(ctx, sr); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.progress(ctx, sr)
}

// AdvancePending advances every unfinished schedule once.
func (s *Service) AdvancePending(ctx context.Context) (int, error) {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	advanced := 0
	for _, sr := range schedules {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		p, err := s.Advance(ctx, sr.ID)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sr.ID.String()).Msg("advance schedule")
			continue
		}
		advanced++
		s.log.Debug().Str("schedule_id", sr.ID.String()).Str("stage", p.Stage).Msg(p.Message)
	}
	return advanced, nil
}

func (s *Service) startSchedule(ctx context.Context, sr *models.ScheduleRun) error {
	runID, err := s.startRun(ctx, sr.SearchID, models.ModeURLsOnly, &sr.ID)
	if err != nil {
		sr.Status = models.ScheduleStatusFailed
		sr.Message = "Could not start import: " + err.Error()
		now := s.now()
		sr.CompletedAt = &now
		return nil
	}
	sr.ImportRunID = &runID
	sr.Status = models.ScheduleStatusImporting
	sr.Message = "Discovering listing URLs"
	return nil
}

func (s *Service) advanceRun(ctx context.Context, sr *models.ScheduleRun) error {
	if sr.ImportRunID == nil {
		s.finishSchedule(sr, models.ScheduleStatusFailed, "Schedule has no import run")
		return nil
	}

	run, err := s.store.GetRun(ctx, *sr.ImportRunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if isLive(run) {
		if _, err := s.queue.ProcessNext(ctx, QueueImports); err != nil {
			return fmt.Errorf("process job: %w", err)
		}
		if run, err = s.store.GetRun(ctx, *sr.ImportRunID); err != nil {
			return fmt.Errorf("get run: %w", err)
		}
	}

	switch {
	case run == nil:
		s.finishSchedule(sr, models.ScheduleStatusFailed, "Import run disappeared")
	case run.Status == models.RunStatusCompleted:
		sr.URLDone = true
		sr.DetailDone = true
		sr.Message = fmt.Sprintf("Details imported for %d properties, importing sold history", run.ImportedProperties)
	case run.Status == models.RunStatusFailed, run.Status == models.RunStatusCancelled:
		msg := "Import " + string(run.Status)
		if run.ErrorLog != "" {
			msg += ": " + run.ErrorLog
		}
		s.finishSchedule(sr, models.ScheduleStatusFailed, msg)
	case run.Mode == models.ModeFetchDetails:
		sr.URLDone = true
		sr.Message = fmt.Sprintf("Fetching details: %d of %d", run.ImportedProperties, run.TotalProperties)
	default:
		sr.Message = fmt.Sprintf("Discovering listing URLs: %d of %d jobs", run.CompletedJobs+run.FailedJobs, run.TotalJobs)
	}
	return nil
}

// advanceSold imports sold history for the next batch of the search's
// properties. A property is marked done even when its import errors so one
// bad page cannot stall the schedule.
func (s *Service) advanceSold(ctx context.Context, sr *models.ScheduleRun) error {
	props, err := s.store.ListPropertiesWithoutSold(ctx, sr.SearchID, s.cfg.SoldBatchSize)
	if err != nil {
		return fmt.Errorf("list properties without sold: %w", err)
	}
	if len(props) == 0 {
		sr.SoldDone = true
		s.finishSchedule(sr, models.ScheduleStatusCompleted, "Import complete")
		return nil
	}

	records := 0
	for _, p := range props {
		n, err := s.ImportSold(ctx, p.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("property_id", p.ID).Msg("sold history failed")
			if merr := s.markSold(ctx, p.ID); merr != nil {
				return merr
			}
		}
		records += n
	}
	sr.Message = fmt.Sprintf("Imported %d sold records for %d properties", records, len(props))
	return nil
}

func (s *Service) finishSchedule(sr *models.ScheduleRun, status models.ScheduleStatus, msg string) {
	now := s.now()
	sr.Status = status
	sr.Message = msg
	sr.CompletedAt = &now
}

func (s *Service) progress(ctx context.Context, sr *models.ScheduleRun) (*Progress, error) {
	p := &Progress{
		Done:    sr.Done(),
		Status:  sr.Status,
		Stage:   sr.Stage(),
		Message: sr.Message,
		RunID:   sr.ImportRunID,
	}

	switch {
	case sr.Status == models.ScheduleStatusCompleted:
		p.Percentage = 100
	case sr.ImportRunID != nil:
		run, err := s.store.GetRun(ctx, *sr.ImportRunID)
		if err != nil {
			return nil, err
		}
		if run != nil {
			p.Percentage = run.Percentage()
		}
	}
	return p, nil
}
