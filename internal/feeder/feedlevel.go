package feeder

import (
	"fmt"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/jonboulle/clockwork"
)

type FeedLevel int

const (
	FeedUnknown FeedLevel = iota
	FeedLow
	FeedSufficient
)

func (l FeedLevel) String() string {
	switch l {
	case FeedUnknown:
		return "unknown"
	case FeedLow:
		return "low"
	case FeedSufficient:
		return "sufficient"
	default:
		return fmt.Sprintf("FeedLevel(%d)", int(l))
	}
}

// FeedLevelMonitor asks the device for an ultrasonic reading once per poll
// interval and keeps the last answer.
type FeedLevelMonitor struct {
	conf          FeedLevelConfig
	clock         clockwork.Clock
	dev           commandSender
	lastPoll      time.Time
	level         FeedLevel
	lowNotifiedAt time.Time

	// onLow is called when people should hear that the feed is low.
	onLow    func()
	onChange func(FeedLevel)
}

func NewFeedLevelMonitor(conf FeedLevelConfig, clock clockwork.Clock, dev commandSender) *FeedLevelMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FeedLevelMonitor{conf: conf, clock: clock, dev: dev}
}

func (m *FeedLevelMonitor) OnLow(fn func()) {
	m.onLow = fn
}

func (m *FeedLevelMonitor) OnChange(fn func(FeedLevel)) {
	m.onChange = fn
}

func (m *FeedLevelMonitor) Level() FeedLevel {
	return m.level
}

func (m *FeedLevelMonitor) LastPoll() time.Time {
	return m.lastPoll
}

// Tick polls the device if a poll interval has passed since the last poll.
// The first tick always polls.
func (m *FeedLevelMonitor) Tick() error {
	now := m.clock.Now()
	if !m.lastPoll.IsZero() && now.Sub(m.lastPoll) < m.conf.PollInterval {
		return nil
	}
	log.Debug("Polling feed level")
	if err := m.dev.Send(seriallink.CmdPollFeedLevel); err != nil {
		return fmt.Errorf("failed to poll feed level: %w", err)
	}
	m.lastPoll = now
	return nil
}

// HandleStatus interprets a status byte from the device. Only feed level
// replies mean anything here.
func (m *FeedLevelMonitor) HandleStatus(s seriallink.Status) {
	switch s {
	case seriallink.StatusFeedLow:
		m.feedLow()
	case seriallink.StatusFeedSufficient:
		m.setLevel(FeedSufficient)
	}
}

func (m *FeedLevelMonitor) feedLow() {
	now := m.clock.Now()
	notify := m.level != FeedLow ||
		(m.conf.RenotifyInterval > 0 && now.Sub(m.lowNotifiedAt) >= m.conf.RenotifyInterval)
	m.setLevel(FeedLow)
	if !notify {
		return
	}
	m.lowNotifiedAt = now
	log.Info("Feed is low")
	if m.onLow != nil {
		m.onLow()
	}
}

func (m *FeedLevelMonitor) setLevel(l FeedLevel) {
	if m.level == l {
		return
	}
	log.Debugf("Feed level %s -> %s", m.level, l)
	m.level = l
	if m.onChange != nil {
		m.onChange(l)
	}
}
