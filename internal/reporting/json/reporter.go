package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
)

const ReporterTypeJSON = "json"

type Config struct{}

// Reporter emits one JSON document per full-sync pass, suitable for log
// shipping.
type Reporter struct {
	config Config
	writer io.Writer
	logger ports.Logger
}

func NewReporter(cfg Config, logger ports.Logger) (*Reporter, error) {
	return &Reporter{
		config: cfg,
		writer: os.Stdout,
		logger: logger,
	}, nil
}

type jsonReport struct {
	PassID    string           `json:"pass_id"`
	Trigger   string           `json:"trigger"`
	StartedAt time.Time        `json:"started_at"`
	DurationS float64          `json:"duration_seconds"`
	Summary   jsonSummary      `json:"summary"`
	Results   []jsonResultItem `json:"results"`
}

type jsonSummary struct {
	ResourcesSynced int `json:"resources_synced"`
	Converged       int `json:"converged"`
	Partial         int `json:"partial"`
	Rejected        int `json:"rejected"`
	Deferred        int `json:"deferred"`
}

type jsonResultItem struct {
	Status       domain.OutcomeStatus `json:"status"`
	ResourceID   string               `json:"resource_id"`
	Grants       int                  `json:"grants"`
	Revokes      int                  `json:"revokes"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

func (r *Reporter) Report(ctx context.Context, report domain.PassReport) error {
	out := jsonReport{
		PassID:    report.PassID,
		Trigger:   string(report.Trigger),
		StartedAt: report.StartedAt,
		DurationS: report.Duration.Seconds(),
		Summary:   jsonSummary{ResourcesSynced: len(report.Results)},
		Results:   make([]jsonResultItem, 0, len(report.Results)),
	}

	for _, res := range report.Results {
		if ctx.Err() != nil {
			r.logger.Warnf(ctx, "JSON report generation cancelled.")
			return ctx.Err()
		}

		switch res.Status {
		case domain.StatusApplied:
			out.Summary.Converged++
		case domain.StatusAppliedPartial:
			out.Summary.Partial++
		case domain.StatusRejected:
			out.Summary.Rejected++
		case domain.StatusRetryable:
			out.Summary.Deferred++
		}

		item := jsonResultItem{
			Status:     res.Status,
			ResourceID: res.ResourceID,
			Grants:     res.Grants,
			Revokes:    res.Revokes,
		}
		if res.Error != nil {
			item.ErrorMessage = res.Error.Error()
		}
		out.Results = append(out.Results, item)
	}

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(out); err != nil {
		r.logger.Errorf(ctx, err, "Failed to encode JSON report")
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}
