package feeder

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
)

var errConfigChanged = errors.New("config changed")

// watchConfig stops the feeder when the config file changes. Run then returns
// through its deferred cleanup and systemd restarts the service with the new config.
func watchConfig(ctx context.Context, stop context.CancelFunc, conf *Config, configDir string) {
	err := checkConfigChanges(ctx, conf, configDir)
	if errors.Is(err, errConfigChanged) {
		log.Info("Config changed. Stopping to allow systemctl to restart service.")
		stop()
		return
	}
	if err != nil {
		log.Errorf("Not watching config for changes: %v", err)
	}
}

// checkConfigChanges will compare the config from when first loaded to a new config each time
// the config file is modified.
// It returns errConfigChanged once there is a difference.
func checkConfigChanges(ctx context.Context, conf *Config, configDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace the file rather than write it, so watch the directory.
	if err := watcher.Add(configDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Config watcher error:", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != ConfigFileName || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if configChanged(conf, configDir) {
				return errConfigChanged
			}
		}
	}
}

func configChanged(conf *Config, configDir string) bool {
	newConfig, err := ParseConfig(configDir)
	if err != nil {
		log.Error("error reloading config:", err)
		return false
	}
	log.Debug("New config:", newConfig)
	diff := cmp.Diff(conf, newConfig)
	log.Debug("Config diff:", diff)
	if diff == "" {
		log.Info("No relevant changes detected in config file.")
		return false
	}
	return true
}
