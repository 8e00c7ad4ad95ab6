package repository

import (
	"context"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/model"
)

// AccidentRepository defines the interface for accident data operations.
type AccidentRepository interface {
	// Create operations. RecordAccident is idempotent on the incident id.
	RecordAccident(ctx context.Context, rec model.AccidentRecord) error

	// Read operations
	GetByIncidentID(incidentID string) (*model.AccidentRecord, error)
	GetAll(filter *dto.AccidentFilter) ([]dto.AccidentInfo, error)
	GetTotalCount(filter *dto.AccidentFilter) (int, error)
	GetCameras() ([]string, error)

	// Delete operations
	DeleteByIncidentID(incidentID string) error
}
