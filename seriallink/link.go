/*
smart-bird-feeder - Serial link to the feeder microcontroller
Copyright (C) 2026, The Smart Bird Feeder Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package seriallink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

var (
	ErrLinkClosed     = errors.New("serial link closed")
	ErrNoPendingByte  = errors.New("no pending byte on serial link")
	sleepFn           = time.Sleep
	pumpReadTimeout   = 100 * time.Millisecond
	hangupReads       = 10
	incomingQueueSize = 64
)

// IOError is returned when the underlying device fails a read or a write.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serial %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Port is the raw byte stream a Link is built on.
type Port interface {
	io.ReadWriteCloser
}

type Config struct {
	Device      string        `mapstructure:"device"`
	Baud        int           `mapstructure:"baud"`
	SettleDelay time.Duration `mapstructure:"settle-delay"`
	LockRetries int           `mapstructure:"lock-retries"`
	LockWait    time.Duration `mapstructure:"lock-wait"`
	ResetPin    string        `mapstructure:"reset-pin"`
}

func DefaultConfig() Config {
	return Config{
		Device:      "/dev/ttyTHS1",
		Baud:        9600,
		SettleDelay: time.Second,
		LockRetries: 3,
		LockWait:    5 * time.Second,
	}
}

// Link is a half-duplex single byte channel to the MCU.
// Incoming bytes are pumped from the port into a buffer by a goroutine so
// HasPendingByte never blocks.
type Link struct {
	port     Port
	lockFile *os.File
	log      *logrus.Logger

	incoming chan byte
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	pumpErr  error
	closeErr error
	once     sync.Once
}

var openPort = func(c *serial.Config) (Port, error) {
	return serial.OpenPort(c)
}

// Open locks and opens the serial device, then waits for the device to settle.
// Close must be called on every exit path to release the device.
func Open(conf Config, log *logrus.Logger) (*Link, error) {
	if log == nil {
		log = logrus.New()
	}

	if conf.ResetPin != "" {
		log.Infof("Resetting MCU using pin '%s'", conf.ResetPin)
		if err := ResetMCU(conf.ResetPin, 100*time.Millisecond); err != nil {
			return nil, err
		}
	}

	lockFile, err := lockDevice(conf.Device, conf.LockRetries, conf.LockWait, log)
	if err != nil {
		return nil, err
	}

	port, err := openPort(&serial.Config{
		Name:        conf.Device,
		Baud:        conf.Baud,
		ReadTimeout: pumpReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		releaseDevice(lockFile)
		return nil, err
	}

	l := NewLink(port, log)
	l.lockFile = lockFile

	log.Debugf("Waiting %s for serial device to settle", conf.SettleDelay)
	sleepFn(conf.SettleDelay)
	log.Infof("Serial link open on %s at %d baud", conf.Device, conf.Baud)
	return l, nil
}

// NewLink wraps an already open port and starts pumping incoming bytes.
func NewLink(port Port, log *logrus.Logger) *Link {
	if log == nil {
		log = logrus.New()
	}
	l := &Link{
		port:     port,
		log:      log,
		incoming: make(chan byte, incomingQueueSize),
		done:     make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *Link) pump() {
	defer close(l.done)
	defer close(l.incoming)
	buf := make([]byte, 16)
	early := 0
	for {
		start := time.Now()
		n, err := l.port.Read(buf)
		for _, b := range buf[:n] {
			select {
			case l.incoming <- b:
			default:
				l.log.Warnf("Serial receive buffer full, dropping byte 0x%02X", b)
			}
		}
		if err == nil {
			early = 0
			continue
		}
		if err == io.EOF && n == 0 && !l.isClosed() {
			// A read timeout on the tty shows up as io.EOF. After a hangup
			// the tty returns io.EOF straight away on every read.
			if time.Since(start) >= pumpReadTimeout/2 {
				early = 0
				continue
			}
			if early++; early < hangupReads {
				continue
			}
			l.log.Error("Serial device hung up")
			err = ErrLinkClosed
		} else if !l.isClosed() {
			l.log.Errorf("Serial read failed: %v", err)
		}
		l.mu.Lock()
		l.pumpErr = err
		l.mu.Unlock()
		return
	}
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// HasPendingByte reports if ReadByte will return without blocking. This is
// also true once the link has failed so the failure is seen by the caller.
func (l *Link) HasPendingByte() bool {
	if len(l.incoming) > 0 {
		return true
	}
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// ReadByte returns the next pending status byte. It never blocks,
// ErrNoPendingByte is returned when nothing has arrived.
func (l *Link) ReadByte() (byte, error) {
	select {
	case b, ok := <-l.incoming:
		if ok {
			return b, nil
		}
		return 0, l.failure()
	default:
		return 0, ErrNoPendingByte
	}
}

func (l *Link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.pumpErr == nil || errors.Is(l.pumpErr, io.EOF) || errors.Is(l.pumpErr, ErrLinkClosed) {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %w", ErrLinkClosed, &IOError{Op: "read", Err: l.pumpErr})
}

// WriteCommand sends a single command byte.
func (l *Link) WriteCommand(cmd Command) error {
	select {
	case <-l.done:
		return l.failure()
	default:
	}
	n, err := l.port.Write([]byte{byte(cmd)})
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if n != 1 {
		return &IOError{Op: "write", Err: fmt.Errorf("wrote %d bytes, expected 1", n)}
	}
	l.log.Debugf("Sent command '%c' (%s)", byte(cmd), cmd)
	return nil
}

// Close closes the port and releases the device lock. It is safe to call more than once.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.closeErr = l.port.Close()
		if l.lockFile != nil {
			if err := releaseDevice(l.lockFile); err != nil && l.closeErr == nil {
				l.closeErr = err
			}
		}
		l.log.Info("Serial link closed")
	})
	return l.closeErr
}
