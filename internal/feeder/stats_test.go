package feeder

import (
	"context"
	"testing"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsString(t *testing.T) {
	s := Stats{
		Hatch:         HatchClosed,
		FeedLevel:     FeedLow,
		Frames:        120,
		Confirmations: 2,
		HatchCloses:   1,
		LastSpecies:   "blue-jay",
		LastSeen:      time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC),
	}
	assert.Equal(t,
		"hatch closed, feed low, paused false, 120 frames, 2 birds, 1 hatch closes, last bird blue-jay at 9:30AM",
		s.String())
	assert.Contains(t, Stats{}.String(), "last bird none")
}

func TestStatsReporterStarts(t *testing.T) {
	conf := DefaultConfig()
	f := New(&conf, Options{Detector: detections.NewSliceDetector(nil, 0), Link: newFakeLink()})
	require.NoError(t, f.Run(context.Background()))

	s, err := startStatsReporter(f, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
	assert.Equal(t, HatchOpen, f.Stats().Hatch)
}
