package repository

import (
	"encoding/json"
	"time"

	"phone-orchestrator/core/models"
)

// FleetEventRepository handles database operations for fleet events.
type FleetEventRepository struct {
	db *DB
}

// NewFleetEventRepository creates a new fleet event repository.
func NewFleetEventRepository(db *DB) *FleetEventRepository {
	return &FleetEventRepository{db: db}
}

// Create records one fleet event.
func (r *FleetEventRepository) Create(phoneID string, kind models.FleetEventKind, detail string, meta map[string]interface{}) error {
	metaJSON := ""
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaJSON = string(b)
	}
	query := `
		INSERT INTO fleet_events (phone_id, at, kind, detail, meta_json)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(query, phoneID, time.Now(), kind, detail, metaJSON)
	return err
}

// List retrieves the most recent fleet events, newest first. An empty
// phoneID lists events for the whole fleet.
func (r *FleetEventRepository) List(phoneID string, limit int) ([]models.FleetEvent, error) {
	query := `
		SELECT id, phone_id, at, kind, detail, meta_json
		FROM fleet_events
		WHERE ($1 = '' OR phone_id = $1)
		ORDER BY at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(query, phoneID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.FleetEvent
	for rows.Next() {
		var event models.FleetEvent
		var metaJSON string
		if err := rows.Scan(
			&event.ID,
			&event.PhoneID,
			&event.At,
			&event.Kind,
			&event.Detail,
			&metaJSON,
		); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &event.Meta)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
