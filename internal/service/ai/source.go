package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service/bus"
)

const (
	// maxReadFailures ends a stream after this many consecutive failed reads.
	maxReadFailures = 25
	defaultFPS      = 25.0
)

// VideoSource reads a camera stream or video file, runs the detector on a
// sampled subset of frames and emits one FrameEvent per analyzed frame.
type VideoSource struct {
	SessionID string
	CameraID  string
	URI       string

	detector  *DetectorService
	sampleFPS float64
	threshold float64
	labels    []string
	logger    *logger.Logger
}

func NewVideoSource(sessionID, cameraID, uri string, detector *DetectorService, sampleFPS, threshold float64, labels []string, logger *logger.Logger) *VideoSource {
	return &VideoSource{
		SessionID: sessionID,
		CameraID:  cameraID,
		URI:       uri,
		detector:  detector,
		sampleFPS: sampleFPS,
		threshold: threshold,
		labels:    labels,
		logger:    logger,
	}
}

// SampleStep returns how many native frames make up one analyzed frame.
func SampleStep(nativeFPS, sampleFPS float64) int {
	if nativeFPS <= 0 || sampleFPS <= 0 || sampleFPS >= nativeFPS {
		return 1
	}
	return int(math.Round(nativeFPS / sampleFPS))
}

func openCapture(uri string) (*gocv.VideoCapture, error) {
	// A bare number selects a local device.
	if id, err := strconv.Atoi(uri); err == nil {
		return gocv.OpenVideoCapture(id)
	}
	return gocv.OpenVideoCapture(uri)
}

// Run analyzes the stream until it ends, ctx is cancelled or emit fails with
// anything other than bus backpressure. Under backpressure the source waits
// one analyzed-frame period before reading on.
func (v *VideoSource) Run(ctx context.Context, emit func(model.FrameEvent) error) error {
	capture, err := openCapture(v.URI)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", v.URI, err)
	}
	defer capture.Close()

	nativeFPS := capture.Get(gocv.VideoCaptureFPS)
	if nativeFPS <= 0 || math.IsNaN(nativeFPS) {
		nativeFPS = defaultFPS
	}
	step := SampleStep(nativeFPS, v.sampleFPS)
	period := time.Duration(float64(time.Second) * float64(step) / nativeFPS)

	v.logger.Info("Camera %s: analyzing %s at %.1f fps (native %.1f, every %d frame(s))",
		v.CameraID, v.URI, nativeFPS/float64(step), nativeFPS, step)

	frame := gocv.NewMat()
	defer frame.Close()

	startedAt := time.Now()
	var (
		index    uint64
		failures int
		analyzed uint64
		positive uint64
	)

	for {
		select {
		case <-ctx.Done():
			v.logger.Info("Camera %s: stopped after %d analyzed frames (%d positive)", v.CameraID, analyzed, positive)
			return nil
		default:
		}

		if ok := capture.Read(&frame); !ok || frame.Empty() {
			failures++
			if failures >= maxReadFailures {
				v.logger.Info("Camera %s: stream ended after %d analyzed frames (%d positive)", v.CameraID, analyzed, positive)
				return nil
			}
			time.Sleep(period)
			continue
		}
		failures = 0
		index++

		if (index-1)%uint64(step) != 0 {
			continue
		}

		capturedAt := time.Now()
		if pos := capture.Get(gocv.VideoCapturePosMsec); pos > 0 {
			capturedAt = startedAt.Add(time.Duration(pos * float64(time.Millisecond)))
			// Replay files at their native rate.
			if wait := time.Until(capturedAt); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}

		detections, err := v.detector.Detect(frame)
		if err != nil {
			v.logger.Error("Camera %s: detection failed on frame %d: %v", v.CameraID, index, err)
			continue
		}

		event := model.NewFrameEvent(v.SessionID, index, capturedAt, detections, v.threshold, v.labels...)
		analyzed++
		if event.Positive {
			positive++
		}

		if err := emit(event); err != nil {
			if !errors.Is(err, bus.ErrBackpressure) {
				return err
			}
			v.logger.Warning("Camera %s: pipeline backpressure at frame %d, slowing down", v.CameraID, index)
			time.Sleep(period)
		}
	}
}
