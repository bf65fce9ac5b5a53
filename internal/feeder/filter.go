package feeder

import (
	"github.com/John-Hauff/smart-bird-feeder/detections"
)

// Filter decides which detections are new enough to tell people about.
//
// It keeps a single slot for the last confirmed species, not one per species,
// so a second species evicts the first one's suppression. The slot clears
// after IgnoreWindowFrames cycles and every confirmation restarts that count.
type Filter struct {
	acceptThreshold     float64
	ignoreWindowFrames  int
	lastAccepted        *string
	framesSinceAccepted int
}

func NewFilter(conf DetectionConfig) *Filter {
	return &Filter{
		acceptThreshold:    conf.AcceptThreshold,
		ignoreWindowFrames: conf.IgnoreWindowFrames,
	}
}

// Process runs one cycle of the filter and returns the confirmed detections.
// Candidates are evaluated before the window counter advances.
func (f *Filter) Process(ds []detections.Detection) []detections.Detection {
	var confirmed []detections.Detection
	for _, d := range ds {
		if d.Confidence < f.acceptThreshold {
			continue
		}
		if f.lastAccepted != nil && *f.lastAccepted == d.Species {
			continue
		}
		species := d.Species
		f.lastAccepted = &species
		f.framesSinceAccepted = 0
		confirmed = append(confirmed, d)
	}

	f.framesSinceAccepted++
	if f.framesSinceAccepted >= f.ignoreWindowFrames {
		f.lastAccepted = nil
		f.framesSinceAccepted = 0
	}
	return confirmed
}

// LastAccepted returns the species currently suppressed, if any.
func (f *Filter) LastAccepted() (string, bool) {
	if f.lastAccepted == nil {
		return "", false
	}
	return *f.lastAccepted, true
}
