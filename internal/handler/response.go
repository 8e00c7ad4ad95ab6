package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/logger"
)

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, logger *logger.Logger, status int, code, message string) {
	writeJSON(w, logger, status, dto.ErrorResponse{Error: code, Message: message})
}

// atoiDefault parses a positive integer query value, falling back to def.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseDate accepts RFC 3339 timestamps and plain "2006-01-02" dates.
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}
