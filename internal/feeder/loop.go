package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/John-Hauff/smart-bird-feeder/events"
	"github.com/John-Hauff/smart-bird-feeder/notify"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Options are the feeder's collaborators. Detector and Link are required,
// the rest may be nil.
type Options struct {
	Detector  detections.Detector
	Link      Link
	Notifier  notify.Notifier
	Memories  notify.MemoryStore
	Reporter  events.Reporter
	Catalogue detections.Catalogue
	Clock     clockwork.Clock
	Registry  *prom.Registry
}

// Feeder is the control loop. One goroutine runs it and owns the filter,
// the hatch and the feed level monitor.
type Feeder struct {
	conf       *Config
	detector   detections.Detector
	device     *Device
	filter     *Filter
	hatch      *HatchController
	feed       *FeedLevelMonitor
	catalogue  detections.Catalogue
	notifier   notify.Notifier
	memories   notify.MemoryStore
	reporter   events.Reporter
	dispatcher *dispatcher
	metrics    *metricsRecorder
	clock      clockwork.Clock
	paused     bool

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a snapshot of what the feeder has been doing.
type Stats struct {
	Hatch         HatchState
	FeedLevel     FeedLevel
	Paused        bool
	Frames        int64
	Confirmations int64
	HatchCloses   int64
	LastSpecies   string
	LastSeen      time.Time
	StartTime     time.Time
}

func New(conf *Config, opts Options) *Feeder {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Catalogue == nil {
		opts.Catalogue = detections.DefaultCatalogue()
	}
	f := &Feeder{
		conf:      conf,
		detector:  opts.Detector,
		filter:    NewFilter(conf.Detection),
		catalogue: opts.Catalogue,
		notifier:  opts.Notifier,
		memories:  opts.Memories,
		reporter:  opts.Reporter,
		clock:     opts.Clock,
		paused:    conf.Loop.WaitForRunSignal,
	}
	if opts.Registry != nil {
		f.metrics = newMetricsRecorder(opts.Registry)
	}
	f.dispatcher = newDispatcher(conf.Notifications.QueueSize, conf.Notifications.JobTimeout, f.metrics)
	f.device = NewDevice(opts.Link, f.handleStatus)
	f.hatch = NewHatchController(conf.Hatch, f)
	f.hatch.OnChange(f.hatchChanged)
	f.feed = NewFeedLevelMonitor(conf.FeedLevel, opts.Clock, f)
	f.feed.OnLow(f.feedLow)
	f.feed.OnChange(f.feedLevelChanged)
	f.stats = Stats{Hatch: HatchOpen, Paused: f.paused, StartTime: opts.Clock.Now()}
	return f
}

// Send writes a command through the device channel, counting it.
func (f *Feeder) Send(cmd seriallink.Command) error {
	if err := f.device.Send(cmd); err != nil {
		return err
	}
	f.metrics.command(cmd.String())
	return nil
}

// Run drives the feeder until the detector's stream ends (nil), ctx is
// cancelled (nil) or the serial link fails.
func (f *Feeder) Run(ctx context.Context) error {
	f.dispatcher.start(ctx)
	defer f.dispatcher.stop()

	if err := f.hatch.Start(); err != nil {
		return fmt.Errorf("failed to open hatch: %w", err)
	}
	if f.paused {
		log.Info("Waiting for the run signal from the device")
	}

	for f.detector.IsStreaming() {
		if ctx.Err() != nil {
			log.Info("Stopping feeder")
			return nil
		}
		err := f.step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, detections.ErrEndOfStream):
			log.Info("Detector stream ended")
			return nil
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			log.Info("Stopping feeder")
			return nil
		default:
			return err
		}
	}
	log.Info("Detector stopped streaming")
	return nil
}

// step runs one cycle of the loop.
func (f *Feeder) step(ctx context.Context) error {
	if err := f.device.Drain(); err != nil {
		return fmt.Errorf("serial link failed: %w", err)
	}

	if f.paused {
		if err := f.feed.Tick(); err != nil {
			return err
		}
		select {
		case <-f.clock.After(f.conf.Loop.PausedInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	batch, err := f.detector.CaptureAndDetect(ctx)
	if errors.Is(err, detections.ErrNoFrame) {
		return f.feed.Tick()
	}
	if err != nil {
		return err
	}

	if err := f.processBatch(batch); err != nil {
		return err
	}
	return f.feed.Tick()
}

func (f *Feeder) processBatch(batch detections.Batch) error {
	f.metrics.frame()
	f.updateStats(func(s *Stats) { s.Frames++ })

	if f.hatch.PestPresent(batch.Detections) {
		log.Debugf("Pest in %s", batch)
		return f.hatch.PestSeen()
	}
	if err := f.hatch.PestFree(); err != nil {
		return err
	}

	birds := detections.Without(batch.Detections, f.conf.Hatch.PestLabels)
	for _, d := range f.filter.Process(birds) {
		f.birdConfirmed(batch, d)
	}
	return nil
}

func (f *Feeder) birdConfirmed(batch detections.Batch, d detections.Detection) {
	name := f.catalogue.DisplayName(d.Species)
	log.Infof("New %s at the feeder (%.2f)", name, d.Confidence)
	f.metrics.confirmed(d.Species)
	f.updateStats(func(s *Stats) {
		s.Confirmations++
		s.LastSpecies = d.Species
		s.LastSeen = f.clock.Now()
	})

	e := events.New(events.TypeBirdConfirmed, f.clock.Now(), map[string]interface{}{"frame": batch.FrameID})
	e.Species = d.Species
	e.Confidence = d.Confidence
	f.report(e)

	if f.memories == nil && f.notifier == nil {
		return
	}
	image := batch.Image
	f.dispatcher.enqueue("bird "+d.Species, func(ctx context.Context) error {
		img := image
		if len(img) == 0 {
			if fetcher, ok := f.detector.(detections.FrameFetcher); ok {
				var err error
				if img, err = fetcher.FetchFrame(ctx, batch.FrameID); err != nil {
					log.Warnf("No image for the %s memory: %v", d.Species, err)
				}
			}
		}
		var errs []error
		if f.memories != nil && len(img) > 0 {
			if err := f.memories.SaveMemory(ctx, d.Species, img); err != nil {
				errs = append(errs, err)
			}
		}
		if f.notifier != nil {
			msg := notify.Message{Title: notify.NewMemoryTitle, Body: notify.NewMemoryBody(name), Image: img}
			if err := f.notifier.Notify(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// handleStatus routes a status byte from the device.
func (f *Feeder) handleStatus(s seriallink.Status) {
	switch s {
	case seriallink.StatusFeedLow, seriallink.StatusFeedSufficient:
		f.feed.HandleStatus(s)
	case seriallink.StatusStop:
		if !f.paused {
			log.Info("Device reported stop, pausing detection")
			f.setPaused(true)
			f.report(events.New(events.TypeFeederStopped, f.clock.Now(), nil))
		}
	case seriallink.StatusRun:
		if f.paused {
			log.Info("Device reported run, resuming detection")
			f.setPaused(false)
			f.report(events.New(events.TypeFeederRunning, f.clock.Now(), nil))
		}
	default:
		log.Debugf("Ignoring status byte %s", s)
	}
}

func (f *Feeder) setPaused(paused bool) {
	f.paused = paused
	f.updateStats(func(s *Stats) { s.Paused = paused })
}

func (f *Feeder) hatchChanged(s HatchState) {
	f.metrics.hatch(s)
	f.updateStats(func(st *Stats) {
		st.Hatch = s
		if s == HatchClosed {
			st.HatchCloses++
		}
	})
	if s == HatchClosed {
		f.report(events.New(events.TypeHatchClosed, f.clock.Now(), nil))
	} else {
		f.report(events.New(events.TypeHatchOpened, f.clock.Now(), nil))
	}
}

func (f *Feeder) feedLevelChanged(l FeedLevel) {
	f.metrics.feedLevel(l)
	f.updateStats(func(s *Stats) { s.FeedLevel = l })
	if l == FeedSufficient {
		f.report(events.New(events.TypeFeedOk, f.clock.Now(), nil))
	}
}

func (f *Feeder) feedLow() {
	f.report(events.New(events.TypeFeedLow, f.clock.Now(), nil))
	if f.notifier == nil {
		return
	}
	f.dispatcher.enqueue("feed low", func(ctx context.Context) error {
		return f.notifier.Notify(ctx, notify.Message{Title: notify.FeedLowTitle, Body: notify.FeedLowBody})
	})
}

func (f *Feeder) report(e events.Event) {
	if f.reporter == nil {
		return
	}
	f.dispatcher.enqueue("event "+e.Type, func(ctx context.Context) error {
		return f.reporter.Report(ctx, e)
	})
}

func (f *Feeder) updateStats(fn func(s *Stats)) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	fn(&f.stats)
}

// Stats returns a snapshot, safe to call from other goroutines.
func (f *Feeder) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}
