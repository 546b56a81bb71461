package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineRun is a persisted run summary. Counts maps a stage name to its counters.
type PipelineRun struct {
	ID         uuid.UUID
	Kind       string
	Underlying string
	StartedAt  time.Time
	FinishedAt time.Time
	Counts     map[string]map[string]int
	Error      string
}

func (p *PostgresClient) SaveRun(ctx context.Context, run PipelineRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("encode run counts: %w", err)
	}

	rec := PipelineRunRecord{
		ID:         run.ID,
		Kind:       run.Kind,
		Underlying: run.Underlying,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
		Counts:     datatypes.JSON(counts),
		Error:      run.Error,
	}
	return p.DB.WithContext(ctx).Create(&rec).Error
}

// RecentRuns lists the latest runs of a kind, newest first. An empty kind matches all.
func (p *PostgresClient) RecentRuns(ctx context.Context, kind string, limit int) ([]PipelineRun, error) {
	q := p.DB.WithContext(ctx).Order("started_at DESC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []PipelineRunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]PipelineRun, 0, len(recs))
	for _, r := range recs {
		run := PipelineRun{
			ID:         r.ID,
			Kind:       r.Kind,
			Underlying: r.Underlying,
			StartedAt:  r.StartedAt.UTC(),
			FinishedAt: r.FinishedAt.UTC(),
			Error:      r.Error,
		}
		if err := json.Unmarshal(r.Counts, &run.Counts); err != nil {
			return nil, fmt.Errorf("decode run %s counts: %w", r.ID, err)
		}
		out = append(out, run)
	}
	return out, nil
}

// LastRun returns the most recent successful run of a kind, or nil.
func (p *PostgresClient) LastRun(ctx context.Context, kind string) (*PipelineRun, error) {
	var rec PipelineRunRecord
	err := p.DB.WithContext(ctx).
		Where("kind = ? AND (error_message = '' OR error_message IS NULL)", kind).
		Order("started_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PipelineRun{
		ID:         rec.ID,
		Kind:       rec.Kind,
		Underlying: rec.Underlying,
		StartedAt:  rec.StartedAt.UTC(),
		FinishedAt: rec.FinishedAt.UTC(),
	}, nil
}
