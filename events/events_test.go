package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventClientReporter(t *testing.T) {
	var got []eventclient.Event
	addEvent = func(e eventclient.Event) error {
		got = append(got, e)
		return nil
	}
	defer func() { addEvent = eventclient.AddEvent }()

	at := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	e := New(TypeBirdConfirmed, at, map[string]interface{}{"frame": int64(7)})
	e.Species = "blue-jay"
	e.Confidence = 0.93
	require.NoError(t, EventClientReporter{}.Report(context.Background(), e))

	require.Len(t, got, 1)
	assert.Equal(t, TypeBirdConfirmed, got[0].Type)
	assert.Equal(t, at, got[0].Timestamp)
	assert.Equal(t, "blue-jay", got[0].Details["species"])
	assert.Equal(t, int64(7), got[0].Details["frame"])
	assert.Equal(t, e.ID.String(), got[0].Details["id"])
}

type recordingReporter struct {
	events []Event
	err    error
}

func (r *recordingReporter) Report(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingReporter{}
	b := &recordingReporter{err: errors.New("offline")}
	err := Multi{a, b}.Report(context.Background(), New(TypeHatchClosed, time.Now(), nil))
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, "hatchClosed", a.events[0].String())
}
