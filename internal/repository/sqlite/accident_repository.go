package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/model"
)

// AccidentRepository implements repository.AccidentRepository for SQLite.
type AccidentRepository struct {
	db *DB
}

// NewAccidentRepository creates a new SQLite accident repository.
func NewAccidentRepository(db *DB) *AccidentRepository {
	return &AccidentRepository{db: db}
}

// RecordAccident stores a record and its supporting frames in one transaction.
// A record whose incident id is already stored is left untouched, so the call
// is safe to retry.
func (r *AccidentRepository) RecordAccident(ctx context.Context, rec model.AccidentRecord) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO accidents (incident_id, session_id, camera, start_sequence, confirmed_sequence, confirmed_at, peak_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.IncidentID, rec.SessionID, rec.CameraID, int64(rec.StartSequence), int64(rec.ConfirmedSequence), rec.ConfirmedAt.UTC(), rec.PeakConfidence)
	if err != nil {
		return fmt.Errorf("failed to insert accident %s: %w", rec.IncidentID, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert accident %s: %w", rec.IncidentID, err)
	}
	if inserted == 0 {
		return nil
	}

	accidentID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to insert accident %s: %w", rec.IncidentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO accident_frames (accident_id, sequence, captured_at, positive, detections)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range rec.SupportingFrames {
		detections, err := json.Marshal(f.Detections)
		if err != nil {
			return fmt.Errorf("failed to encode detections of frame %d: %w", f.Sequence, err)
		}
		if _, err := stmt.ExecContext(ctx, accidentID, int64(f.Sequence), f.CapturedAt.UTC(), f.Positive, string(detections)); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", f.Sequence, err)
		}
	}

	return tx.Commit()
}

// GetByIncidentID retrieves an accident with its supporting frames.
// It returns nil without error when the incident is unknown.
func (r *AccidentRepository) GetByIncidentID(incidentID string) (*model.AccidentRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var (
		id  int64
		rec model.AccidentRecord
	)
	err := r.db.Conn().QueryRow(`
		SELECT id, incident_id, session_id, camera, start_sequence, confirmed_sequence, confirmed_at, peak_confidence
		FROM accidents WHERE incident_id = ?
	`, incidentID).Scan(&id, &rec.IncidentID, &rec.SessionID, &rec.CameraID,
		&rec.StartSequence, &rec.ConfirmedSequence, &rec.ConfirmedAt, &rec.PeakConfidence)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get accident: %w", err)
	}

	frames, err := r.framesLocked(id, rec.SessionID)
	if err != nil {
		return nil, err
	}
	rec.SupportingFrames = frames
	return &rec, nil
}

func (r *AccidentRepository) framesLocked(accidentID int64, sessionID string) ([]model.FrameEvent, error) {
	rows, err := r.db.Conn().Query(`
		SELECT sequence, captured_at, positive, detections
		FROM accident_frames WHERE accident_id = ? ORDER BY sequence
	`, accidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []model.FrameEvent
	for rows.Next() {
		var (
			f          model.FrameEvent
			detections string
		)
		if err := rows.Scan(&f.Sequence, &f.CapturedAt, &f.Positive, &detections); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		if err := json.Unmarshal([]byte(detections), &f.Detections); err != nil {
			return nil, fmt.Errorf("failed to decode detections of frame %d: %w", f.Sequence, err)
		}
		f.SessionID = sessionID
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func buildWhere(filter *dto.AccidentFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}
	if filter == nil {
		return where, args
	}

	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}

	if filter.Camera != "" {
		where += " AND camera = ?"
		args = append(args, filter.Camera)
	}

	if !filter.After.IsZero() {
		where += " AND confirmed_at >= ?"
		args = append(args, filter.After.UTC())
	}

	if !filter.Before.IsZero() {
		where += " AND confirmed_at <= ?"
		args = append(args, filter.Before.UTC())
	}

	return where, args
}

// GetAll retrieves accidents matching the filter, newest first. Supporting
// frames are only counted; use GetByIncidentID for the full record.
func (r *AccidentRepository) GetAll(filter *dto.AccidentFilter) ([]dto.AccidentInfo, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildWhere(filter)
	query := `
		SELECT a.incident_id, a.session_id, a.camera, a.start_sequence, a.confirmed_sequence, a.confirmed_at, a.peak_confidence,
			(SELECT COUNT(*) FROM accident_frames f WHERE f.accident_id = a.id)
		FROM accidents a` + where + " ORDER BY a.confirmed_at DESC, a.id DESC"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)

		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accidents: %w", err)
	}
	defer rows.Close()

	var accidents []dto.AccidentInfo
	for rows.Next() {
		var info dto.AccidentInfo
		if err := rows.Scan(&info.IncidentID, &info.SessionID, &info.Camera, &info.StartSequence,
			&info.ConfirmedSequence, &info.ConfirmedAt, &info.PeakConfidence, &info.Frames); err != nil {
			return nil, fmt.Errorf("failed to scan accident: %w", err)
		}
		accidents = append(accidents, info)
	}

	return accidents, rows.Err()
}

// GetTotalCount returns the number of accidents matching the filter.
func (r *AccidentRepository) GetTotalCount(filter *dto.AccidentFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildWhere(filter)

	var count int
	if err := r.db.Conn().QueryRow("SELECT COUNT(*) FROM accidents"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accidents: %w", err)
	}
	return count, nil
}

// GetCameras returns the distinct cameras that have recorded accidents.
func (r *AccidentRepository) GetCameras() ([]string, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT DISTINCT camera FROM accidents ORDER BY camera`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []string
	for rows.Next() {
		var camera string
		if err := rows.Scan(&camera); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, camera)
	}
	return cameras, rows.Err()
}

// DeleteByIncidentID removes an accident and its frames.
func (r *AccidentRepository) DeleteByIncidentID(incidentID string) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().Exec(`DELETE FROM accidents WHERE incident_id = ?`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to delete accident: %w", err)
	}
	return nil
}
