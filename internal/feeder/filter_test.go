package feeder

import (
	"testing"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/stretchr/testify/assert"
)

func cardinal(conf float64) detections.Detection {
	return detections.Detection{Species: "cardinal", Confidence: conf}
}

func TestFilterBelowThresholdNeverConfirms(t *testing.T) {
	f := NewFilter(DefaultDetection())
	for i := 0; i < 500; i++ {
		assert.Empty(t, f.Process([]detections.Detection{cardinal(0.89)}))
		_, ok := f.LastAccepted()
		assert.False(t, ok)
	}
}

func TestFilterOneConfirmationPerWindow(t *testing.T) {
	f := NewFilter(DetectionConfig{AcceptThreshold: 0.90, IgnoreWindowFrames: 150})
	confirmations := 0
	confirmedAt := []int{}
	for frame := 1; frame <= 300; frame++ {
		if n := len(f.Process([]detections.Detection{cardinal(0.95)})); n > 0 {
			confirmations += n
			confirmedAt = append(confirmedAt, frame)
		}
	}
	assert.Equal(t, 2, confirmations)
	assert.Equal(t, []int{1, 151}, confirmedAt)
}

func TestFilterNewSpeciesEvictsSlot(t *testing.T) {
	f := NewFilter(DetectionConfig{AcceptThreshold: 0.90, IgnoreWindowFrames: 150})
	jay := detections.Detection{Species: "blue-jay", Confidence: 0.95}

	assert.Len(t, f.Process([]detections.Detection{cardinal(0.95)}), 1)
	assert.Len(t, f.Process([]detections.Detection{jay}), 1)
	// The cardinal is no longer suppressed.
	assert.Len(t, f.Process([]detections.Detection{cardinal(0.95)}), 1)

	last, ok := f.LastAccepted()
	assert.True(t, ok)
	assert.Equal(t, "cardinal", last)
}

func TestFilterConfirmationRestartsWindow(t *testing.T) {
	f := NewFilter(DetectionConfig{AcceptThreshold: 0.90, IgnoreWindowFrames: 10})
	jay := detections.Detection{Species: "blue-jay", Confidence: 0.95}

	assert.Len(t, f.Process([]detections.Detection{cardinal(0.95)}), 1)
	for i := 0; i < 5; i++ {
		f.Process(nil)
	}
	assert.Len(t, f.Process([]detections.Detection{jay}), 1)
	// The window counts the confirming cycle, so the slot clears on the 10th.
	for i := 0; i < 8; i++ {
		assert.Empty(t, f.Process([]detections.Detection{jay}))
	}
	assert.Empty(t, f.Process(nil))
	assert.Len(t, f.Process([]detections.Detection{jay}), 1)
}

func TestFilterSameSpeciesTwiceInOneBatch(t *testing.T) {
	f := NewFilter(DefaultDetection())
	confirmed := f.Process([]detections.Detection{cardinal(0.95), cardinal(0.97)})
	assert.Len(t, confirmed, 1)
}
