package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/service"
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/dispatcher"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// writeServiceError maps pipeline errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *logger.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrCameraUnmapped):
		writeError(w, logger, http.StatusNotFound, "camera_unmapped", err.Error())
	case errors.Is(err, service.ErrCameraLocked):
		writeError(w, logger, http.StatusLocked, "camera_locked", err.Error())
	case errors.Is(err, dispatcher.ErrUnknownSession):
		writeError(w, logger, http.StatusNotFound, "unknown_session", err.Error())
	case errors.Is(err, bus.ErrBackpressure):
		writeError(w, logger, http.StatusServiceUnavailable, "backpressure", err.Error())
	case errors.Is(err, dispatcher.ErrClosed), errors.Is(err, bus.ErrBusClosed):
		writeError(w, logger, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		logger.Error("Request failed: %v", err)
		writeError(w, logger, http.StatusInternalServerError, "internal", "Internal Server Error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// StartSessionHandler handles POST /api/sessions. A repeated request with the
// same Idempotency-Key header returns the session it created.
func StartSessionHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.StartSessionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "bad_request", "Invalid JSON body")
			return
		}
		req.CameraID = strings.TrimSpace(req.CameraID)
		if req.CameraID == "" {
			writeError(w, logger, http.StatusBadRequest, "bad_request", "camera_id is required")
			return
		}

		info, err := manager.StartSession(req.CameraID, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.NewSessionResponse(info))
	}
}

// StopSessionHandler handles POST /api/sessions/{id}/stop.
func StopSessionHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.StopSessionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "bad_request", "Invalid JSON body")
			return
		}

		info, err := manager.StopSession(mux.Vars(r)["id"], req.Reason)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.NewSessionResponse(info))
	}
}

// ListSessionsHandler handles GET /api/sessions.
func ListSessionsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := manager.Sessions()
		data := dto.SessionsData{Sessions: make([]dto.SessionResponse, 0, len(infos)), Length: len(infos)}
		for _, info := range infos {
			data.Sessions = append(data.Sessions, dto.NewSessionResponse(info))
		}
		writeJSON(w, logger, http.StatusOK, data)
	}
}

// GetSessionHandler handles GET /api/sessions/{id}, including the delivery
// statistics of the session's bus subscriptions.
func GetSessionHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		info, err := manager.Session(id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}

		resp := dto.NewSessionResponse(info)
		b := manager.GetBus()
		resp.Delivery = append(b.SubscriberStats(bus.Topic(bus.TopicFrames, id)), b.SubscriberStats(bus.Topic(bus.TopicAccidents, id))...)
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

// IngestFrameHandler handles POST /api/sessions/{id}/frames, the entry point
// for detection pipelines running outside this process.
func IngestFrameHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.FrameRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "bad_request", "Invalid JSON body")
			return
		}
		if req.Sequence == 0 {
			writeError(w, logger, http.StatusBadRequest, "bad_request", "sequence must be positive")
			return
		}

		f, err := manager.IngestFrame(mux.Vars(r)["id"], req.Sequence, req.CapturedAt, req.Detections)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusAccepted, dto.FrameResponse{SessionID: f.SessionID, Sequence: f.Sequence, Positive: f.Positive})
	}
}
