package detections

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEndOfStream is returned by a Detector once its frame source is exhausted.
var ErrEndOfStream = errors.New("detector end of stream")

// Box is the detection's bounding box in frame pixels. The controller never
// looks inside it, it is carried along for logging and events.
type Box struct {
	Left   int32 `json:"left"`
	Top    int32 `json:"top"`
	Right  int32 `json:"right"`
	Bottom int32 `json:"bottom"`
}

type Detection struct {
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s (%.2f)", d.Species, d.Confidence)
}

// Batch is everything the detector found in one captured frame.
type Batch struct {
	FrameID    int64       `json:"frame"`
	Detections []Detection `json:"detections"`
	// Image is the encoded frame without any overlay. Optional, see FrameFetcher.
	Image []byte `json:"-"`
}

func (b Batch) String() string {
	parts := make([]string, 0, len(b.Detections))
	for _, d := range b.Detections {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("frame %d: [%s]", b.FrameID, strings.Join(parts, ", "))
}

// Detector produces one batch of detections per captured frame.
type Detector interface {
	CaptureAndDetect(ctx context.Context) (Batch, error)
	IsStreaming() bool
}

// FrameFetcher is implemented by detectors that can return a recent frame's
// image after the fact, for batches that did not carry one.
type FrameFetcher interface {
	FetchFrame(ctx context.Context, frameID int64) ([]byte, error)
}

// Present reports if any detection of one of the labels meets the threshold.
func Present(ds []Detection, labels []string, threshold float64) bool {
	for _, d := range ds {
		if d.Confidence >= threshold && hasLabel(labels, d.Species) {
			return true
		}
	}
	return false
}

// Without returns the detections whose label is not one of the labels.
func Without(ds []Detection, labels []string) []Detection {
	out := make([]Detection, 0, len(ds))
	for _, d := range ds {
		if !hasLabel(labels, d.Species) {
			out = append(out, d)
		}
	}
	return out
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
