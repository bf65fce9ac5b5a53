package feeder

import (
	"fmt"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
)

type HatchState int

const (
	HatchOpen HatchState = iota
	HatchClosed
)

func (s HatchState) String() string {
	switch s {
	case HatchOpen:
		return "open"
	case HatchClosed:
		return "closed"
	default:
		return fmt.Sprintf("HatchState(%d)", int(s))
	}
}

type commandSender interface {
	Send(cmd seriallink.Command) error
}

// HatchController drives the hatch and the deterrent. Commands are only sent
// on state edges, there is no periodic resend.
type HatchController struct {
	conf               HatchConfig
	dev                commandSender
	state              HatchState
	squirrelFreeCycles int
	onChange           func(HatchState)
}

func NewHatchController(conf HatchConfig, dev commandSender) *HatchController {
	return &HatchController{conf: conf, dev: dev, state: HatchOpen}
}

// OnChange registers a callback for hatch transitions.
func (h *HatchController) OnChange(fn func(HatchState)) {
	h.onChange = fn
}

// Start opens the hatch so the device and the controller agree on its state.
func (h *HatchController) Start() error {
	h.state = HatchOpen
	h.squirrelFreeCycles = 0
	return h.dev.Send(seriallink.CmdOpenHatch)
}

func (h *HatchController) State() HatchState {
	return h.state
}

// PestPresent reports if the batch holds a pest the hatch should close for.
func (h *HatchController) PestPresent(ds []detections.Detection) bool {
	return detections.Present(ds, h.conf.PestLabels, h.conf.PestThreshold)
}

// PestSeen restarts the reopen delay and closes the hatch if it is open.
func (h *HatchController) PestSeen() error {
	h.squirrelFreeCycles = 0
	if h.state == HatchClosed {
		return nil
	}
	if err := h.dev.Send(seriallink.CmdCloseHatch); err != nil {
		return fmt.Errorf("failed to close hatch: %w", err)
	}
	h.setState(HatchClosed)
	return nil
}

// PestFree counts a pest free cycle and reopens the hatch once
// ReopenDelayFrames of them have passed in a row.
func (h *HatchController) PestFree() error {
	if h.state == HatchOpen {
		return nil
	}
	h.squirrelFreeCycles++
	if h.squirrelFreeCycles < h.conf.ReopenDelayFrames {
		return nil
	}
	if err := h.dev.Send(seriallink.CmdOpenHatch); err != nil {
		return fmt.Errorf("failed to open hatch: %w", err)
	}
	h.squirrelFreeCycles = 0
	h.setState(HatchOpen)
	return nil
}

func (h *HatchController) setState(s HatchState) {
	log.Infof("Hatch %s", s)
	h.state = s
	if h.onChange != nil {
		h.onChange(s)
	}
}
