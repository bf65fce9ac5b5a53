package detections

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	detectorDBusName      = "org.smartfeeder.detector"
	detectorDBusPath      = "/org/smartfeeder/detector"
	detectionsSignalName  = detectorDBusName + ".Detections"
	endOfStreamSignalName = detectorDBusName + ".EndOfStream"
	getFrameMethod        = detectorDBusName + ".GetFrame"
)

// ErrNoFrame is returned when no frame arrived within the frame timeout. The
// caller can carry on with its other work and ask again.
var ErrNoFrame = errors.New("no frame from detector")

// DBusDetector receives detection batches broadcast as DBus signals by the
// inference process.
type DBusDetector struct {
	conn         *dbus.Conn
	signals      chan *dbus.Signal
	batches      chan Batch
	streaming    atomic.Bool
	frameTimeout time.Duration
	log          *logrus.Logger
}

func NewDBusDetector(frameTimeout time.Duration, log *logrus.Logger) (*DBusDetector, error) {
	if log == nil {
		log = logrus.New()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	// Add a match rule to listen for the detector's signals
	rule := fmt.Sprintf("type='signal',interface='%s'", detectorDBusName)
	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	if call.Err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add match rule: %w", call.Err)
	}

	d := &DBusDetector{
		conn:         conn,
		signals:      make(chan *dbus.Signal, 10),
		batches:      make(chan Batch, 4),
		frameTimeout: frameTimeout,
		log:          log,
	}
	d.streaming.Store(true)
	conn.Signal(d.signals)

	log.Printf("Listening for D-Bus signals from %s...", detectorDBusName)
	go d.listen()
	return d, nil
}

func (d *DBusDetector) listen() {
	defer close(d.batches)
	for signal := range d.signals {
		switch signal.Name {
		case detectionsSignalName:
			batch, err := parseDetectionsSignal(signal.Body)
			if err != nil {
				d.log.Errorf("Unexpected signal format: %v", err)
				continue
			}
			d.log.Debugf("Received %s", batch)
			if old, dropped := queueLatest(d.batches, batch); dropped {
				d.log.Debugf("Dropping frame %d, controller is busy", old.FrameID)
			}
		case endOfStreamSignalName:
			d.log.Info("Detector reported end of stream")
			d.streaming.Store(false)
			return
		}
	}
}

// queueLatest adds b to the queue. When the queue is full the oldest batch is
// dropped and returned. It must only be called from the queue's single sender.
func queueLatest(batches chan Batch, b Batch) (Batch, bool) {
	var dropped Batch
	var ok bool
	for {
		select {
		case batches <- b:
			return dropped, ok
		default:
		}
		select {
		case dropped = <-batches:
			ok = true
		default:
		}
	}
}

// parseDetectionsSignal decodes a Detections signal body:
// (frame int64, labels []string, confidences []float64, boxes []int32 with 4 values per detection).
func parseDetectionsSignal(body []interface{}) (Batch, error) {
	if len(body) != 4 {
		return Batch{}, fmt.Errorf("expected 4 values in body, got %d", len(body))
	}
	frameID, ok := body[0].(int64)
	if !ok {
		return Batch{}, fmt.Errorf("frame id has type %T", body[0])
	}
	labels, ok := body[1].([]string)
	if !ok {
		return Batch{}, fmt.Errorf("labels have type %T", body[1])
	}
	confidences, ok := body[2].([]float64)
	if !ok {
		return Batch{}, fmt.Errorf("confidences have type %T", body[2])
	}
	boxes, ok := body[3].([]int32)
	if !ok {
		return Batch{}, fmt.Errorf("boxes have type %T", body[3])
	}
	if len(confidences) != len(labels) || len(boxes) != 4*len(labels) {
		return Batch{}, fmt.Errorf("mismatched lengths, labels: %d, confidences: %d, boxes: %d",
			len(labels), len(confidences), len(boxes))
	}

	batch := Batch{FrameID: frameID, Detections: make([]Detection, len(labels))}
	for i, label := range labels {
		batch.Detections[i] = Detection{
			Species:    label,
			Confidence: confidences[i],
			Box: Box{
				Left:   boxes[4*i],
				Top:    boxes[4*i+1],
				Right:  boxes[4*i+2],
				Bottom: boxes[4*i+3],
			},
		}
	}
	return batch, nil
}

func (d *DBusDetector) CaptureAndDetect(ctx context.Context) (Batch, error) {
	var timeout <-chan time.Time
	if d.frameTimeout > 0 {
		timer := time.NewTimer(d.frameTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case batch, ok := <-d.batches:
		if !ok {
			return Batch{}, ErrEndOfStream
		}
		return batch, nil
	case <-timeout:
		return Batch{}, ErrNoFrame
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

func (d *DBusDetector) IsStreaming() bool {
	return d.streaming.Load()
}

// FetchFrame asks the detector for the encoded image of a recent frame.
func (d *DBusDetector) FetchFrame(ctx context.Context, frameID int64) ([]byte, error) {
	obj := d.conn.Object(detectorDBusName, detectorDBusPath)
	var image []byte
	if err := obj.CallWithContext(ctx, getFrameMethod, 0, frameID).Store(&image); err != nil {
		return nil, fmt.Errorf("failed to get frame %d: %w", frameID, err)
	}
	return image, nil
}

// Close closes the bus connection, which also ends the signal listener.
func (d *DBusDetector) Close() error {
	return d.conn.Close()
}
