package handler

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/service"
	"trafficwatch/internal/service/notify"
	"trafficwatch/internal/service/recorder"
)

// processStats samples the server process. It returns nil when the platform
// does not expose the figures.
func processStats(logger *logger.Logger) *dto.ProcessStats {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warning("Process stats unavailable: %v", err)
		return nil
	}

	stats := &dto.ProcessStats{PID: p.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

// HealthHandler reports bus, storage and process statistics. The status is
// "degraded" when records have been dead-lettered or the MQTT broker is
// unreachable.
func HealthHandler(manager *service.Manager, recorders []*recorder.Recorder, notifier *notify.MQTTNotifier,
	startedAt time.Time, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := dto.HealthData{
			Status:   "ok",
			Uptime:   time.Since(startedAt).Round(time.Second).String(),
			Sessions: len(manager.Sessions()),
			Bus:      manager.GetBus().Stats(),
			Storage:  make([]recorder.Stats, 0, len(recorders)),
			Process:  processStats(logger),
		}

		for _, rec := range recorders {
			stats := rec.Stats()
			if stats.DeadLetter > 0 {
				data.Status = "degraded"
			}
			data.Storage = append(data.Storage, stats)
		}

		if notifier != nil {
			stats := notifier.Stats()
			if !stats.Connected {
				data.Status = "degraded"
			}
			data.MQTT = &stats
		}

		writeJSON(w, logger, http.StatusOK, data)
	}
}
