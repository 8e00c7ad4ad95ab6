package ai

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"trafficwatch/internal/config"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
)

const (
	// CandidateThreshold is the minimum confidence for a detection to be kept.
	// Whether a frame counts as positive is decided later against the
	// configured confidence threshold.
	CandidateThreshold = 0.05
	// MaxDetections caps the detections kept per frame, highest confidence first.
	MaxDetections = 20
	// yoloInputSize is the square input of YOLO style ONNX exports.
	yoloInputSize = 640
	// ssdInputSize is the square input of SSD style TensorFlow/Caffe models.
	ssdInputSize = 300
)

type outputFormat int

const (
	formatYOLO outputFormat = iota
	formatSSD
)

// DetectorService runs the accident detection network on decoded frames.
// A gocv.Net is not safe for concurrent use, so inference is serialized.
type DetectorService struct {
	net        gocv.Net
	netMu      sync.Mutex
	format     outputFormat
	modelPath  string
	configPath string
	labels     []string
	logger     *logger.Logger
}

// NewDetectorService loads the network named by cfg.ModelPath. An ONNX model
// without a config file is treated as a YOLO export whose classes are
// cfg.AccidentLabels; a model with a config file is treated as an SSD network.
func NewDetectorService(cfg *config.Config, logger *logger.Logger) (*DetectorService, error) {
	s := &DetectorService{
		modelPath:  cfg.ModelPath,
		configPath: cfg.ModelConfigPath,
		labels:     cfg.AccidentLabels,
		logger:     logger,
	}
	if len(s.labels) == 0 {
		s.labels = []string{"accident"}
	}
	if s.configPath != "" || !strings.EqualFold(filepath.Ext(s.modelPath), ".onnx") {
		s.format = formatSSD
	}

	if err := s.initializeNet(); err != nil {
		return nil, err
	}
	return s, nil
}

// initializeNet loads the DNN network and sets backend/target preferences.
func (s *DetectorService) initializeNet() error {
	if _, err := os.Stat(s.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", s.modelPath)
	}

	if s.configPath != "" {
		if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", s.configPath)
		}
	}

	net := gocv.ReadNet(s.modelPath, s.configPath)
	if net.Empty() {
		return fmt.Errorf("failed to load network from %s", s.modelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	s.net = net
	s.logger.Info("Detection network initialized from %s", s.modelPath)
	return nil
}

// Detect runs the network on a BGR frame and returns detections sorted by
// confidence, highest first.
func (s *DetectorService) Detect(mat gocv.Mat) ([]model.Detection, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("frame is empty")
	}

	s.netMu.Lock()
	defer s.netMu.Unlock()

	if s.net.Empty() {
		return nil, fmt.Errorf("detection network not initialized")
	}

	var blob gocv.Mat
	switch s.format {
	case formatSSD:
		blob = gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(ssdInputSize, ssdInputSize), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	default:
		blob = gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	}
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	var detections []model.Detection
	switch s.format {
	case formatSSD:
		detections = s.parseSSD(output, mat.Cols(), mat.Rows())
	default:
		detections = s.parseYOLO(output, mat.Cols(), mat.Rows())
	}

	sort.Slice(detections, func(i, j int) bool { return detections[i].Confidence > detections[j].Confidence })
	if len(detections) > MaxDetections {
		detections = detections[:MaxDetections]
	}
	return detections, nil
}

// DetectBytes decodes an encoded image and runs Detect on it.
func (s *DetectorService) DetectBytes(imageBytes []byte) ([]model.Detection, error) {
	mat, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	defer mat.Close()

	return s.Detect(mat)
}

// parseSSD reads rows of [batch_id, class_id, confidence, x1, y1, x2, y2].
func (s *DetectorService) parseSSD(output gocv.Mat, cols, rows int) []model.Detection {
	var results []model.Detection

	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()

	for i := 0; i < reshaped.Rows(); i++ {
		confidence := reshaped.GetFloatAt(i, 2)
		if confidence < CandidateThreshold {
			continue
		}
		classID := int(reshaped.GetFloatAt(i, 1))
		x := int(reshaped.GetFloatAt(i, 3) * float32(cols))
		y := int(reshaped.GetFloatAt(i, 4) * float32(rows))
		width := int(reshaped.GetFloatAt(i, 5)*float32(cols)) - x
		height := int(reshaped.GetFloatAt(i, 6)*float32(rows)) - y

		results = append(results, model.Detection{
			Box:        model.BoundingBox{X: x, Y: y, Width: width, Height: height},
			Confidence: float64(confidence),
			Label:      s.classLabel(classID - 1),
		})
	}
	return results
}

// parseYOLO reads a [1, 4+classes, candidates] tensor of centre-size boxes in
// input pixel coordinates followed by per-class scores.
func (s *DetectorService) parseYOLO(output gocv.Mat, cols, rows int) []model.Detection {
	dims := output.Size()
	if len(dims) != 3 || dims[1] < 5 {
		s.logger.Warning("Unexpected YOLO output shape %v", dims)
		return nil
	}
	attrs, candidates := dims[1], dims[2]

	reshaped := output.Reshape(1, attrs)
	defer reshaped.Close()

	scaleX := float32(cols) / yoloInputSize
	scaleY := float32(rows) / yoloInputSize

	var results []model.Detection
	for c := 0; c < candidates; c++ {
		bestClass, bestScore := 0, float32(0)
		for k := 4; k < attrs; k++ {
			if score := reshaped.GetFloatAt(k, c); score > bestScore {
				bestClass, bestScore = k-4, score
			}
		}
		if bestScore < CandidateThreshold {
			continue
		}

		cx := reshaped.GetFloatAt(0, c) * scaleX
		cy := reshaped.GetFloatAt(1, c) * scaleY
		w := reshaped.GetFloatAt(2, c) * scaleX
		h := reshaped.GetFloatAt(3, c) * scaleY

		results = append(results, model.Detection{
			Box: model.BoundingBox{
				X:      int(cx - w/2),
				Y:      int(cy - h/2),
				Width:  int(w),
				Height: int(h),
			},
			Confidence: float64(bestScore),
			Label:      s.classLabel(bestClass),
		})
	}
	return results
}

// classLabel maps a zero-based class index to its configured label.
func (s *DetectorService) classLabel(classID int) string {
	if classID >= 0 && classID < len(s.labels) {
		return s.labels[classID]
	}
	return fmt.Sprintf("class%d", classID)
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	return s.net.Close()
}
