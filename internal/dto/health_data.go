package dto

import (
	"trafficwatch/internal/service/bus"
	"trafficwatch/internal/service/notify"
	"trafficwatch/internal/service/recorder"
)

// ProcessStats describes the resource usage of the server process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// HealthData is the payload of the health endpoint.
type HealthData struct {
	Status   string           `json:"status"`
	Uptime   string           `json:"uptime"`
	Sessions int              `json:"sessions"`
	Bus      bus.Stats        `json:"bus"`
	Storage  []recorder.Stats `json:"storage"`
	MQTT     *notify.Stats    `json:"mqtt,omitempty"`
	Process  *ProcessStats    `json:"process,omitempty"`
}
