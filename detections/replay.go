package detections

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type replayLine struct {
	Batch
	ImagePath string `json:"image,omitempty"`
}

// LoadReplayFile reads a JSON lines file with one batch per line, e.g.
//
//	{"frame": 1, "detections": [{"species": "cardinal", "confidence": 0.95}], "image": "cardinal.jpeg"}
//
// Image paths are relative to the replay file.
func LoadReplayFile(filePath string) ([]Batch, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	var batches []Batch
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var line replayLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal JSON: %v", lineNumber, err)
		}
		if line.ImagePath != "" {
			imagePath := line.ImagePath
			if !filepath.IsAbs(imagePath) {
				imagePath = filepath.Join(filepath.Dir(filePath), imagePath)
			}
			line.Image, err = os.ReadFile(imagePath)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNumber, err)
			}
		}
		batches = append(batches, line.Batch)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// SliceDetector replays a fixed sequence of batches, optionally paced at a frame interval.
type SliceDetector struct {
	mu            sync.Mutex
	batches       []Batch
	next          int
	frameInterval time.Duration
}

func NewSliceDetector(batches []Batch, frameInterval time.Duration) *SliceDetector {
	return &SliceDetector{batches: batches, frameInterval: frameInterval}
}

func (s *SliceDetector) CaptureAndDetect(ctx context.Context) (Batch, error) {
	if s.frameInterval > 0 {
		select {
		case <-time.After(s.frameInterval):
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.batches) {
		return Batch{}, ErrEndOfStream
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}

func (s *SliceDetector) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next < len(s.batches)
}

// Repeat returns n copies of the batch with consecutive frame ids.
func Repeat(b Batch, n int) []Batch {
	out := make([]Batch, 0, n)
	for i := range n {
		c := b
		c.FrameID = b.FrameID + int64(i)
		out = append(out, c)
	}
	return out
}
