package seriallink

import "fmt"

// Command is a single byte sent from the host to the feeder MCU.
type Command byte

const (
	CmdOpenHatch     Command = 'o' // Open the hatch, also silences the deterrent.
	CmdCloseHatch    Command = 'c' // Close the hatch and start the deterrent.
	CmdPollFeedLevel Command = 'u' // Request an ultrasonic feed level reading.
)

func (c Command) String() string {
	switch c {
	case CmdOpenHatch:
		return "open-hatch"
	case CmdCloseHatch:
		return "close-hatch"
	case CmdPollFeedLevel:
		return "poll-feed-level"
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(c))
}

// Status is a single byte sent from the feeder MCU to the host.
// There is no negative acknowledgement, any byte outside this set is inert.
type Status byte

const (
	StatusFeedLow        Status = 'l'
	StatusFeedSufficient Status = 'h'
	StatusStop           Status = 's' // Presence cleared, detection can stop.
	StatusRun            Status = 'r' // Presence sensed, detection should run.
)

func (s Status) String() string {
	switch s {
	case StatusFeedLow:
		return "feed-low"
	case StatusFeedSufficient:
		return "feed-sufficient"
	case StatusStop:
		return "stop"
	case StatusRun:
		return "run"
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(s))
}

// Known reports if the status byte is part of the protocol.
func (s Status) Known() bool {
	switch s {
	case StatusFeedLow, StatusFeedSufficient, StatusStop, StatusRun:
		return true
	}
	return false
}

// ParseCommand converts a command name or its raw letter into a Command.
func ParseCommand(s string) (Command, error) {
	for _, c := range []Command{CmdOpenHatch, CmdCloseHatch, CmdPollFeedLevel} {
		if s == c.String() || s == string(rune(c)) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command '%s'", s)
}
