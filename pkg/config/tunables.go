package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/quota"
)

// Tunables are the runtime-adjustable settings loaded from the YAML
// tunables file. Pointer fields distinguish "absent" from "false" so a
// partial file only overrides what it names.
type Tunables struct {
	// QuotaEnforcement flips quota enforcement without a restart.
	QuotaEnforcement *bool `yaml:"quota_enforcement"`
	// SagaPurchases flips the purchase surface without a restart.
	SagaPurchases *bool `yaml:"saga_purchases"`

	Admission AdmissionTunables `yaml:"admission"`
	Tiers     quota.TierSet     `yaml:"tiers"`
}

// AdmissionTunables override the default admission settings. Zero
// values leave the corresponding baseline setting untouched.
type AdmissionTunables struct {
	Strategy          string  `yaml:"strategy"`
	Capacity          int64   `yaml:"capacity"`
	LeakRatePerSecond float64 `yaml:"leak_rate_per_second"`
	WindowSeconds     int64   `yaml:"window_seconds"`
}

// Params merges the overrides onto a baseline.
func (a AdmissionTunables) Params(base quota.Params) quota.Params {
	out := base
	if a.Strategy != "" {
		out.Strategy = quota.Strategy(a.Strategy)
	}
	if a.Capacity > 0 {
		out.Capacity = a.Capacity
	}
	if a.LeakRatePerSecond > 0 {
		out.LeakRatePerSecond = a.LeakRatePerSecond
	}
	if a.WindowSeconds > 0 {
		out.WindowSeconds = a.WindowSeconds
	}
	return out
}

// LoadTunables reads and parses the tunables file.
func LoadTunables(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunables file: %w", err)
	}
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tunables file: %w", err)
	}
	return &t, nil
}

// TunablesWatcher reloads the tunables file when it changes and hands
// the result to a callback. The parent directory is watched rather than
// the file itself so atomic replace-by-rename (the usual config-push
// pattern) is still seen.
type TunablesWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *observability.Logger
	onChange func(*Tunables)

	// debounce coalesces the write bursts editors and config pushers
	// produce for a single logical update.
	debounce time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTunablesWatcher creates a watcher for the given tunables file. The
// callback runs on the watcher goroutine; keep it quick.
func NewTunablesWatcher(path string, logger *observability.Logger, onChange func(*Tunables)) (*TunablesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch tunables directory: %w", err)
	}
	return &TunablesWatcher{
		path:     path,
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start loads the file once, then begins watching for changes.
func (w *TunablesWatcher) Start() error {
	t, err := LoadTunables(w.path)
	if err != nil {
		return err
	}
	w.onChange(t)

	go w.run()
	return nil
}

// Stop ends the watch loop and releases the inotify handle.
func (w *TunablesWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *TunablesWatcher) run() {
	defer close(w.doneCh)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("tunables watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// reload re-reads the file and pushes the result. A file that fails to
// parse leaves the previous tunables in effect.
func (w *TunablesWatcher) reload() {
	t, err := LoadTunables(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("failed to reload tunables, keeping previous values")
		return
	}
	w.logger.WithField("path", w.path).Info("tunables reloaded")
	w.onChange(t)
}
