package seriallink

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// ResetMCU pulses the MCU reset line low and then releases it so the
// microcontroller boots with an empty receive buffer.
func ResetMCU(pinName string, pulse time.Duration) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %v", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return fmt.Errorf("failed to find GPIO pin '%s'", pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return err
	}
	sleepFn(pulse)
	return pin.In(gpio.Float, gpio.NoEdge)
}
