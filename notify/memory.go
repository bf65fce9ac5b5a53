package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	memorySink       = "memory"
	memoryFileName   = "bird_memory.jpeg"
	memoryFormField  = "file"
	memoryImageMIME  = "image/jpeg"
	defaultMemoryDir = "/var/lib/smart-feeder/captured-bird-images"
)

type MemoryConfig struct {
	Dir       string        `mapstructure:"dir"`
	UploadURL string        `mapstructure:"upload-url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retry     RetryPolicy   `mapstructure:"retry"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Dir:     defaultMemoryDir,
		Timeout: 30 * time.Second,
		Retry:   DefaultRetryPolicy(),
	}
}

// MemoryUploader keeps the latest bird memory in a single local file and
// uploads it to the feeder's web service when one is configured.
type MemoryUploader struct {
	conf        MemoryConfig
	displayName func(label string) string
	client      *http.Client
	log         *logrus.Logger
}

func NewMemoryUploader(conf MemoryConfig, displayName func(string) string, log *logrus.Logger) *MemoryUploader {
	if log == nil {
		log = logrus.New()
	}
	if displayName == nil {
		displayName = func(label string) string { return label }
	}
	return &MemoryUploader{
		conf:        conf,
		displayName: displayName,
		client:      &http.Client{Timeout: conf.Timeout},
		log:         log,
	}
}

// Path is where the latest memory is kept.
func (m *MemoryUploader) Path() string {
	return filepath.Join(m.conf.Dir, memoryFileName)
}

func (m *MemoryUploader) SaveMemory(ctx context.Context, species string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("no image for %s memory", species)
	}
	if err := m.writeLocal(image); err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	m.log.Infof("Saved %s memory to %s", species, m.Path())

	if m.conf.UploadURL == "" {
		return nil
	}
	name := m.displayName(species)
	return Retry(ctx, m.conf.Retry, m.log, "memory upload", func(ctx context.Context) error {
		return m.upload(ctx, name, image)
	})
}

// writeLocal replaces the memory file in one rename so readers never see a
// partial image.
func (m *MemoryUploader) writeLocal(image []byte) error {
	if err := os.MkdirAll(m.conf.Dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.conf.Dir, memoryFileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.Path())
}

func (m *MemoryUploader) upload(ctx context.Context, name string, image []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, memoryFormField, name))
	h.Set("Content-Type", memoryImageMIME)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(image); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.conf.UploadURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return &TransportError{Sink: memorySink, Err: err}
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 500:
		return &TransportError{Sink: memorySink, Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode >= 300:
		return newRejectedError(memorySink, "server returned %s: %s", resp.Status, bytes.TrimSpace(reply))
	}
	m.log.Debugf("Memory upload response: %s", bytes.TrimSpace(reply))
	return nil
}
