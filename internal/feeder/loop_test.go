package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/John-Hauff/smart-bird-feeder/events"
	"github.com/John-Hauff/smart-bird-feeder/notify"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink plays the feeder's microcontroller. Replies are queued after the
// command they answer.
type fakeLink struct {
	mu       sync.Mutex
	pending  []byte
	written  []byte
	replies  map[seriallink.Command][]byte
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{replies: map[seriallink.Command][]byte{}}
}

func (l *fakeLink) HasPendingByte() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

func (l *fakeLink) ReadByte() (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, seriallink.ErrNoPendingByte
	}
	b := l.pending[0]
	l.pending = l.pending[1:]
	return b, nil
}

func (l *fakeLink) WriteCommand(cmd seriallink.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.written = append(l.written, byte(cmd))
	l.pending = append(l.pending, l.replies[cmd]...)
	return nil
}

func (l *fakeLink) push(b ...byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, b...)
}

func (l *fakeLink) Written() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.written)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) Messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type memory struct {
	species string
	image   []byte
}

type recordingMemories struct {
	mu    sync.Mutex
	saved []memory
}

func (r *recordingMemories) SaveMemory(_ context.Context, species string, image []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, memory{species, image})
	return nil
}

func (r *recordingMemories) Saved() []memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memory(nil), r.saved...)
}

// fetchingDetector serves batches without images and hands frames out on request.
type fetchingDetector struct {
	*detections.SliceDetector
	fetched []int64
}

func (d *fetchingDetector) FetchFrame(_ context.Context, frameID int64) ([]byte, error) {
	d.fetched = append(d.fetched, frameID)
	return []byte{byte(frameID)}, nil
}

type testFeeder struct {
	*Feeder
	link     *fakeLink
	notifier *recordingNotifier
	memories *recordingMemories
	clock    *clockwork.FakeClock
	registry *prom.Registry
}

func newTestFeeder(t *testing.T, conf Config, batches []detections.Batch) *testFeeder {
	tf := &testFeeder{
		link:     newFakeLink(),
		notifier: &recordingNotifier{},
		memories: &recordingMemories{},
		clock:    clockwork.NewFakeClock(),
		registry: prom.NewRegistry(),
	}
	tf.link.replies[seriallink.CmdPollFeedLevel] = []byte{byte(seriallink.StatusFeedSufficient)}
	tf.Feeder = New(&conf, Options{
		Detector: detections.NewSliceDetector(batches, 0),
		Link:     tf.link,
		Notifier: tf.notifier,
		Memories: tf.memories,
		Clock:    tf.clock,
		Registry: tf.registry,
	})
	return tf
}

func batch(ds ...detections.Detection) detections.Batch {
	return detections.Batch{Detections: ds, Image: []byte{0xFF, 0xD8}}
}

func TestEndToEndCardinals(t *testing.T) {
	f := newTestFeeder(t, DefaultConfig(), detections.Repeat(batch(cardinal(0.95)), 50))
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, HatchOpen, f.hatch.State())
	assert.Equal(t, int64(0), f.Stats().HatchCloses)
	assert.Equal(t, int64(50), f.Stats().Frames)
	assert.Equal(t, FeedSufficient, f.feed.Level())

	// Only the initial open and one feed poll.
	assert.Equal(t, "ou", f.link.Written())

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.NewMemoryTitle, msgs[0].Title)
	assert.Contains(t, msgs[0].Body, "northern cardinal")
	saved := f.memories.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "cardinal", saved[0].species)

	assert.Equal(t, float64(50), testutil.ToFloat64(f.metrics.frames))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.confirmations.WithLabelValues("cardinal")))
}

func TestPestPreemptsBirds(t *testing.T) {
	squirrel := detections.Detection{Species: "squirrel", Confidence: 0.95}
	f := newTestFeeder(t, DefaultConfig(), []detections.Batch{batch(squirrel, cardinal(0.95))})
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, HatchClosed, f.hatch.State())
	assert.Equal(t, "ocu", f.link.Written())
	assert.Empty(t, f.notifier.Messages())
	assert.Empty(t, f.memories.Saved())
	_, suppressing := f.filter.LastAccepted()
	assert.False(t, suppressing)
}

func TestLowConfidencePestIsNotABird(t *testing.T) {
	squirrel := detections.Detection{Species: "squirrel", Confidence: 0.95}
	weakSquirrel := detections.Detection{Species: "squirrel", Confidence: 0.5}
	f := newTestFeeder(t, DefaultConfig(), []detections.Batch{batch(squirrel), batch(weakSquirrel)})
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, HatchClosed, f.hatch.State())
	assert.Empty(t, f.notifier.Messages())
}

func TestHatchReopensAfterQuietFrames(t *testing.T) {
	conf := DefaultConfig()
	conf.Hatch.ReopenDelayFrames = 10
	squirrel := detections.Detection{Species: "squirrel", Confidence: 0.95}

	batches := []detections.Batch{batch(squirrel)}
	batches = append(batches, detections.Repeat(batch(), 9)...)
	batches = append(batches, batch(squirrel))
	batches = append(batches, detections.Repeat(batch(), 10)...)
	f := newTestFeeder(t, conf, batches)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, HatchOpen, f.hatch.State())
	assert.Equal(t, "ocuo", f.link.Written())
	assert.Equal(t, int64(1), f.Stats().HatchCloses)
}

func TestCloseThenFeedRoundTrip(t *testing.T) {
	f := newTestFeeder(t, DefaultConfig(), nil)
	f.dispatcher.start(context.Background())

	require.NoError(t, f.Send(seriallink.CmdCloseHatch))
	f.link.push(byte(seriallink.StatusFeedLow))
	require.NoError(t, f.device.Drain())
	f.link.push(byte(seriallink.StatusFeedSufficient))
	require.NoError(t, f.device.Drain())
	f.dispatcher.stop()

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.FeedLowTitle, msgs[0].Title)
	assert.Equal(t, FeedSufficient, f.feed.Level())
	assert.Equal(t, "c", f.link.Written())
}

func TestStaleBytesDrainedBeforeCommand(t *testing.T) {
	f := newTestFeeder(t, DefaultConfig(), nil)
	f.dispatcher.start(context.Background())
	f.link.push(byte(seriallink.StatusFeedLow), 'x')

	require.NoError(t, f.Send(seriallink.CmdPollFeedLevel))
	f.dispatcher.stop()

	// The stale 'l' was handled before the poll, the reply is still waiting.
	assert.Equal(t, FeedLow, f.feed.Level())
	assert.True(t, f.link.HasPendingByte())
	assert.Len(t, f.notifier.Messages(), 1)
}

func TestStopAndRunSignals(t *testing.T) {
	conf := DefaultConfig()
	conf.Loop.WaitForRunSignal = true
	conf.Loop.PausedInterval = time.Millisecond
	link := newFakeLink()
	detector := detections.NewSliceDetector([]detections.Batch{batch(cardinal(0.95)), batch(cardinal(0.95))}, 0)
	f := New(&conf, Options{Detector: detector, Link: link})
	ctx := context.Background()

	// Paused, the detector is left alone but the feed level is still polled.
	require.NoError(t, f.step(ctx))
	assert.Equal(t, "u", link.Written())
	assert.True(t, f.Stats().Paused)
	assert.Equal(t, int64(0), f.Stats().Frames)

	link.push(byte(seriallink.StatusRun))
	require.NoError(t, f.step(ctx))
	assert.False(t, f.Stats().Paused)
	assert.Equal(t, int64(1), f.Stats().Frames)

	link.push(byte(seriallink.StatusStop))
	require.NoError(t, f.step(ctx))
	assert.True(t, f.Stats().Paused)
	assert.Equal(t, int64(1), f.Stats().Frames)
	assert.True(t, detector.IsStreaming())
}

func TestLinkFailureIsFatal(t *testing.T) {
	f := newTestFeeder(t, DefaultConfig(), detections.Repeat(batch(cardinal(0.95)), 5))
	f.link.writeErr = &seriallink.IOError{Op: "write", Err: errors.New("input/output error")}

	err := f.Run(context.Background())
	var ioErr *seriallink.IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestCancelledContextStopsCleanly(t *testing.T) {
	f := newTestFeeder(t, DefaultConfig(), detections.Repeat(batch(cardinal(0.95)), 5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))
	assert.Equal(t, int64(0), f.Stats().Frames)
}

func TestMemoryImageFetchedFromDetector(t *testing.T) {
	conf := DefaultConfig()
	batches := []detections.Batch{{FrameID: 7, Detections: []detections.Detection{cardinal(0.95)}}}
	detector := &fetchingDetector{SliceDetector: detections.NewSliceDetector(batches, 0)}
	memories := &recordingMemories{}
	f := New(&conf, Options{Detector: detector, Link: newFakeLink(), Memories: memories})
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, []int64{7}, detector.fetched)
	saved := memories.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, []byte{7}, saved[0].image)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := newDispatcher(1, time.Second, nil)
	noop := func(context.Context) error { return nil }
	assert.True(t, d.enqueue("first", noop))
	assert.False(t, d.enqueue("second", noop))
	d.start(context.Background())
	d.stop()
	assert.False(t, d.enqueue("late", noop))
}

func TestDispatcherRunsJobsInOrder(t *testing.T) {
	d := newDispatcher(4, time.Second, nil)
	var ran []string
	d.enqueue("a", func(context.Context) error { ran = append(ran, "a"); return nil })
	d.enqueue("b", func(context.Context) error { ran = append(ran, "b"); return errors.New("failed") })
	d.enqueue("c", func(context.Context) error { ran = append(ran, "c"); return nil })
	d.start(context.Background())
	d.stop()
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestDispatcherJobTimeout(t *testing.T) {
	d := newDispatcher(1, 10*time.Millisecond, nil)
	d.start(context.Background())
	result := make(chan error, 1)
	d.enqueue("slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})
	d.stop()
	assert.ErrorIs(t, <-result, context.DeadlineExceeded)
}

type recordingReporter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingReporter) Report(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestEventsUseFeederClock(t *testing.T) {
	at := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	reporter := &recordingReporter{}
	link := newFakeLink()
	link.replies[seriallink.CmdPollFeedLevel] = []byte{byte(seriallink.StatusFeedLow)}
	conf := DefaultConfig()
	f := New(&conf, Options{
		// The second frame drains the feed level reply to the first poll.
		Detector: detections.NewSliceDetector(detections.Repeat(batch(cardinal(0.95)), 2), 0),
		Link:     link,
		Reporter: reporter,
		Clock:    clockwork.NewFakeClockAt(at),
	})
	require.NoError(t, f.Run(context.Background()))

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.NotEmpty(t, reporter.events)
	var types []string
	for _, e := range reporter.events {
		types = append(types, e.Type)
		assert.Equal(t, at, e.Time, e.Type)
	}
	assert.Contains(t, types, events.TypeBirdConfirmed)
	assert.Contains(t, types, events.TypeFeedLow)
}
