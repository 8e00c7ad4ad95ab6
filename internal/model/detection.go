package model

// BoundingBox is a detection rectangle in frame pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection represents a single object detected in a frame.
type Detection struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
	Label      string      `json:"label"`
}

// IsPositive reports whether at least one detection meets the confidence
// threshold. When labels is non-empty only detections carrying one of those
// labels are considered.
func IsPositive(detections []Detection, threshold float64, labels ...string) bool {
	for _, det := range detections {
		if det.Confidence < threshold {
			continue
		}
		if len(labels) == 0 {
			return true
		}
		for _, l := range labels {
			if det.Label == l {
				return true
			}
		}
	}
	return false
}

// PeakConfidence returns the highest confidence among detections, or 0.
func PeakConfidence(detections []Detection) float64 {
	peak := 0.0
	for _, det := range detections {
		if det.Confidence > peak {
			peak = det.Confidence
		}
	}
	return peak
}
