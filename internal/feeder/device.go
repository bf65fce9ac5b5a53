package feeder

import (
	"errors"
	"sync"

	"github.com/John-Hauff/smart-bird-feeder/seriallink"
)

// Link is the part of the serial link the feeder uses.
type Link interface {
	HasPendingByte() bool
	ReadByte() (byte, error)
	WriteCommand(cmd seriallink.Command) error
}

// Device owns the half-duplex link to the feeder's microcontroller. Every
// command first drains whatever the device already sent, so a stale reply is
// never taken as the answer to the new command.
type Device struct {
	mu     sync.Mutex
	link   Link
	handle func(seriallink.Status)
}

func NewDevice(link Link, handle func(seriallink.Status)) *Device {
	return &Device{
		link:   link,
		handle: handle,
	}
}

// Drain reads and handles every byte the device has sent.
func (d *Device) Drain() error {
	d.mu.Lock()
	statuses, err := d.drainLocked()
	d.mu.Unlock()
	d.dispatch(statuses)
	return err
}

// Send drains pending bytes and then writes the command.
func (d *Device) Send(cmd seriallink.Command) error {
	d.mu.Lock()
	statuses, err := d.drainLocked()
	if err == nil {
		err = d.link.WriteCommand(cmd)
	}
	d.mu.Unlock()
	d.dispatch(statuses)
	return err
}

func (d *Device) drainLocked() ([]seriallink.Status, error) {
	var statuses []seriallink.Status
	for d.link.HasPendingByte() {
		b, err := d.link.ReadByte()
		if errors.Is(err, seriallink.ErrNoPendingByte) {
			break
		}
		if err != nil {
			return statuses, err
		}
		statuses = append(statuses, seriallink.Status(b))
	}
	return statuses, nil
}

// dispatch runs outside the lock so handlers can send commands of their own.
func (d *Device) dispatch(statuses []seriallink.Status) {
	if d.handle == nil {
		return
	}
	for _, s := range statuses {
		d.handle(s)
	}
}
