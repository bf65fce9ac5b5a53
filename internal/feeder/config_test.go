package feeder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644))
}

func TestParseConfigDefaults(t *testing.T) {
	conf, err := ParseConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *conf)
}

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[serial]
device = "/dev/ttyUSB0"

[hatch]
reopen-delay-frames = 90
pest-labels = ["squirrel", "raccoon"]

[feed-level]
poll-interval = "30s"

[notifications.email]
enabled = true
to = ["owner@example.com"]
`)
	conf, err := ParseConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", conf.Serial.Device)
	assert.Equal(t, 9600, conf.Serial.Baud)
	assert.Equal(t, 90, conf.Hatch.ReopenDelayFrames)
	assert.Equal(t, []string{"squirrel", "raccoon"}, conf.Hatch.PestLabels)
	assert.Equal(t, 0.90, conf.Hatch.PestThreshold)
	assert.Equal(t, 30*time.Second, conf.FeedLevel.PollInterval)
	assert.Equal(t, time.Hour, conf.FeedLevel.RenotifyInterval)
	assert.True(t, conf.Notifications.Email.Enabled)
	assert.Equal(t, []string{"owner@example.com"}, conf.Notifications.Email.To)
	assert.Equal(t, 587, conf.Notifications.Email.Port)
	assert.True(t, conf.Notifications.Push.Enabled)
	assert.False(t, conf.Events.EventReporter)
}

func TestEventReporterIsOptIn(t *testing.T) {
	conf := DefaultConfig()
	reporters, closeReporters := openReporters(&conf)
	defer closeReporters()
	assert.Empty(t, reporters)

	dir := t.TempDir()
	writeConfig(t, dir, "[events]\nevent-reporter = true\n")
	parsed, err := ParseConfig(dir)
	require.NoError(t, err)
	reporters, closeParsed := openReporters(parsed)
	defer closeParsed()
	require.Len(t, reporters, 1)
	assert.IsType(t, events.EventClientReporter{}, reporters[0])
}

func TestParseConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[detection]\naccept-threshold = 1.5\n")
	_, err := ParseConfig(dir)
	assert.Error(t, err)

	writeConfig(t, dir, "[feed-level]\npoll-interval = \"0s\"\n")
	_, err = ParseConfig(dir)
	assert.Error(t, err)

	writeConfig(t, dir, "not toml [")
	_, err = ParseConfig(dir)
	assert.Error(t, err)
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SecretsFileName),
		[]byte("FEEDER_PUSH_ACCESS_TOKEN=from-dotenv\nFEEDER_SMTP_USER=dotenv-user\n"), 0600))
	t.Setenv("FEEDER_SMTP_USER", "env-user")
	t.Cleanup(func() { os.Unsetenv("FEEDER_PUSH_ACCESS_TOKEN") })

	secrets, err := LoadSecrets(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", secrets.PushAccessToken)
	// The environment wins over the .env file.
	assert.Equal(t, "env-user", secrets.SMTPUser)
}

func TestConfigChangeStopsFeeder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[hatch]\nreopen-delay-frames = 90\n")
	conf, err := ParseConfig(dir)
	require.NoError(t, err)

	assert.False(t, configChanged(conf, dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		watchConfig(ctx, cancel, conf, dir)
		close(done)
	}()

	// Give the watcher time to start before changing the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "[hatch]\nreopen-delay-frames = 120\n")

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("config change not noticed")
	}
	<-done
}

func TestCheckConfigChangesReturnsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[feed-level]\npoll-interval = \"15s\"\n")
	conf, err := ParseConfig(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- checkConfigChanges(ctx, conf, dir) }()

	time.Sleep(100 * time.Millisecond)
	// Rewriting the same values is not a change.
	writeConfig(t, dir, "[feed-level]\npoll-interval = \"15s\"\n")
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "[feed-level]\npoll-interval = \"30s\"\n")

	assert.ErrorIs(t, <-errs, errConfigChanged)
}
