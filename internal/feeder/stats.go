package feeder

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

func (s Stats) String() string {
	last := "none"
	if s.LastSpecies != "" {
		last = fmt.Sprintf("%s at %s", s.LastSpecies, s.LastSeen.Format(time.Kitchen))
	}
	return fmt.Sprintf("hatch %s, feed %s, paused %t, %d frames, %d birds, %d hatch closes, last bird %s",
		s.Hatch, s.FeedLevel, s.Paused, s.Frames, s.Confirmations, s.HatchCloses, last)
}

// startStatsReporter logs a stats line every interval. The returned scheduler
// must be shut down by the caller.
func startStatsReporter(f *Feeder, interval time.Duration, clock clockwork.Clock) (gocron.Scheduler, error) {
	opts := []gocron.SchedulerOption{}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			log.Infof("Feeder stats: %s", f.Stats())
		}),
		gocron.WithName("stats-report"),
	)
	if err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("failed to create stats job: %w", err)
	}
	s.Start()
	return s, nil
}
