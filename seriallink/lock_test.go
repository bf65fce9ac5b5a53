package seriallink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

func noSleepFn(d time.Duration) {}

func tempDevice(t *testing.T) string {
	device := filepath.Join(t.TempDir(), "ttyFEEDER")
	require.NoError(t, os.WriteFile(device, nil, 0666))
	return device
}

func TestLockDeviceIsExclusive(t *testing.T) {
	sleepFn = noSleepFn
	defer func() { sleepFn = time.Sleep }()

	device := tempDevice(t)
	first, err := lockDevice(device, 0, 0, nil)
	require.NoError(t, err)

	_, err = lockDevice(device, 2, time.Second, nil)
	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable)

	require.NoError(t, releaseDevice(first))
	second, err := lockDevice(device, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, releaseDevice(second))
}

func TestOpen(t *testing.T) {
	var slept []time.Duration
	sleepFn = func(d time.Duration) { slept = append(slept, d) }
	defer func() { sleepFn = time.Sleep }()

	port := newFakePort()
	var opened *serial.Config
	openPort = func(c *serial.Config) (Port, error) {
		opened = c
		return port, nil
	}
	defer func() {
		openPort = func(c *serial.Config) (Port, error) { return serial.OpenPort(c) }
	}()

	conf := DefaultConfig()
	conf.Device = tempDevice(t)
	link, err := Open(conf, nil)
	require.NoError(t, err)

	assert.Equal(t, 9600, opened.Baud)
	assert.Equal(t, byte(8), opened.Size)
	assert.Equal(t, serial.ParityNone, opened.Parity)
	assert.Equal(t, serial.Stop1, opened.StopBits)
	assert.Equal(t, []time.Duration{time.Second}, slept)

	// The device stays locked until the link is closed.
	_, err = lockDevice(conf.Device, 0, 0, nil)
	assert.Error(t, err)
	require.NoError(t, link.Close())
	f, err := lockDevice(conf.Device, 0, 0, nil)
	require.NoError(t, err)
	releaseDevice(f)
}
