package repository

import (
	"time"

	"phone-orchestrator/core/models"
)

// DispatchRepository handles database operations for job dispatch records.
type DispatchRepository struct {
	db *DB
}

// NewDispatchRepository creates a new dispatch repository.
func NewDispatchRepository(db *DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

// Create records one job fan-out.
func (r *DispatchRepository) Create(job *models.JobDescriptor, workers int) error {
	query := `
		INSERT INTO job_dispatches (job_id, tree, revision, build_id, build_type, version, workers, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(query,
		job.ID,
		job.Tree,
		job.Revision,
		job.BuildID,
		job.BuildType,
		job.Version,
		workers,
		time.Now(),
	)
	return err
}

// List retrieves the most recent dispatch records, newest first.
func (r *DispatchRepository) List(limit int) ([]models.DispatchRecord, error) {
	query := `
		SELECT id, job_id, tree, revision, build_id, build_type, version, workers, at
		FROM job_dispatches
		ORDER BY at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.DispatchRecord
	for rows.Next() {
		var rec models.DispatchRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.Tree,
			&rec.Revision,
			&rec.BuildID,
			&rec.BuildType,
			&rec.Version,
			&rec.Workers,
			&rec.At,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
