package handler

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/repository"
)

// GetAccidentsHandler returns a filtered, paginated list of stored accidents.
func GetAccidentsHandler(repo repository.AccidentRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		filter := &dto.AccidentFilter{
			SessionID: q.Get("session_id"),
			Camera:    q.Get("camera"),
			After:     parseDate(q.Get("after")),
			Before:    parseDate(q.Get("before")),
			Limit:     limit,
			Offset:    (page - 1) * limit,
		}

		accidents, err := repo.GetAll(filter)
		if err != nil {
			logger.Error("Error querying accidents from database: %v", err)
			writeError(w, logger, http.StatusInternalServerError, "internal", "Internal Server Error")
			return
		}

		totalCount, err := repo.GetTotalCount(filter)
		if err != nil {
			logger.Error("Error counting accidents: %v", err)
			totalCount = len(accidents)
		}

		if accidents == nil {
			accidents = []dto.AccidentInfo{}
		}
		data := dto.AccidentsData{
			Accidents:   accidents,
			Length:      totalCount,
			TotalPages:  (totalCount + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		}
		writeJSON(w, logger, http.StatusOK, data)
	}
}

// GetAccidentHandler returns one accident with its supporting frames.
func GetAccidentHandler(repo repository.AccidentRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["incident"]

		rec, err := repo.GetByIncidentID(id)
		if err != nil {
			logger.Error("Error loading accident %s: %v", id, err)
			writeError(w, logger, http.StatusInternalServerError, "internal", "Internal Server Error")
			return
		}
		if rec == nil {
			writeError(w, logger, http.StatusNotFound, "not_found", "Accident "+id+" not found")
			return
		}
		writeJSON(w, logger, http.StatusOK, rec)
	}
}

// DeleteAccidentHandler removes a stored accident.
func DeleteAccidentHandler(repo repository.AccidentRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["incident"]

		if err := repo.DeleteByIncidentID(id); err != nil {
			logger.Error("Failed to delete accident %s: %v", id, err)
			writeError(w, logger, http.StatusInternalServerError, "internal", "Internal Server Error")
			return
		}

		logger.Info("Deleted accident: %s", id)
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "deleted", "incident_id": id})
	}
}

// GetCamerasHandler lists the configured cameras and those with stored accidents.
func GetCamerasHandler(cameras map[string]string, repo repository.AccidentRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorded, err := repo.GetCameras()
		if err != nil {
			logger.Error("Error listing cameras: %v", err)
		}
		if recorded == nil {
			recorded = []string{}
		}

		configured := make([]string, 0, len(cameras))
		for id := range cameras {
			configured = append(configured, id)
		}
		sort.Strings(configured)

		writeJSON(w, logger, http.StatusOK, map[string][]string{"configured": configured, "recorded": recorded})
	}
}
