package assessment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/observe"
)

// RecordErrorReport files a new error report. ID, status and ReportedAt are
// filled in when missing; a report without categories gets the
// categorizer's suggestion.
func (s *Service) RecordErrorReport(ctx context.Context, r errorreport.Report) (errorreport.Report, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = errorreport.StatusPending
	}
	if r.ReportedAt.IsZero() {
		r.ReportedAt = s.now()
	}
	suggested := len(r.Categories) == 0
	if suggested {
		r.Categories = s.categorizer.Suggest(r.OriginalText, r.CorrectedText)
	}
	if err := r.Validate(); err != nil {
		return errorreport.Report{}, err
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return errorreport.Report{}, fmt.Errorf("assessment: create report: %w", err)
	}

	categories := make([]string, len(r.Categories))
	for i, c := range r.Categories {
		categories[i] = string(c)
	}
	s.events.Emit(ctx, events.Event{
		Type:      events.ReportRecorded,
		SpeakerID: r.SpeakerID,
		Data: map[string]any{
			"report_id":  r.ID,
			"job_id":     r.JobID,
			"severity":   string(r.Severity),
			"categories": categories,
		},
	})
	observe.Logger(ctx).Info("error report recorded",
		"report_id", r.ID,
		"speaker_id", r.SpeakerID,
		"categories", categories,
		"suggested", suggested,
	)
	return r, nil
}

// SetReportStatus moves a report through its lifecycle.
func (s *Service) SetReportStatus(ctx context.Context, id string, status errorreport.Status) (errorreport.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return errorreport.Report{}, fmt.Errorf("assessment: get report: %w", err)
	}
	next, err := r.WithStatus(status, s.now())
	if err != nil {
		return errorreport.Report{}, err
	}
	if err := s.store.UpdateReport(ctx, next); err != nil {
		return errorreport.Report{}, fmt.Errorf("assessment: update report: %w", err)
	}
	observe.Logger(ctx).Info("error report status changed",
		"report_id", id, "from", r.Status, "to", next.Status)
	return next, nil
}

// GetReport returns one report.
func (s *Service) GetReport(ctx context.Context, id string) (errorreport.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return errorreport.Report{}, fmt.Errorf("assessment: get report: %w", err)
	}
	return r, nil
}

// SpeakerReports returns the speaker's reports, oldest first, with their
// aggregate.
func (s *Service) SpeakerReports(ctx context.Context, speakerID string) ([]errorreport.Report, errorreport.Summary, error) {
	reports, err := s.store.ListReportsBySpeaker(ctx, speakerID)
	if err != nil {
		return nil, errorreport.Summary{}, fmt.Errorf("assessment: list reports: %w", err)
	}
	return reports, errorreport.Aggregate(reports), nil
}
