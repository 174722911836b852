package detectors

import (
	"context"
)

// Detector scans text in one language and returns candidate spans.
// Implementations must be safe for concurrent use.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
