// Package prefs loads the user preference file and keeps it fresh while
// the process runs. The only preference the core consumes is whether the
// notification-area UI is enabled; when it is not, the event queue
// bypasses user interaction entirely.
package prefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml"
)

type prefsFile struct {
	Notifications struct {
		// AreaEnabled controls whether incoming requests are queued
		// for the notification area or approved without interaction.
		AreaEnabled *bool `toml:"area_enabled"`
	} `toml:"notifications"`
}

// Prefs is the live view of the preference file.
type Prefs struct {
	path string
	log  slog.Logger

	mtx             sync.Mutex
	notificationsOn bool
}

// Load reads the preference file at path. A missing file yields the
// defaults (notification area enabled).
func Load(path string, log slog.Logger) (*Prefs, error) {
	if log == nil {
		log = slog.Disabled
	}
	p := &Prefs{path: path, log: log, notificationsOn: true}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prefs) reload() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to read prefs file: %w", err)
	}
	var pf prefsFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("unable to decode prefs file %s: %w", p.path, err)
	}

	on := true
	if pf.Notifications.AreaEnabled != nil {
		on = *pf.Notifications.AreaEnabled
	}
	p.mtx.Lock()
	p.notificationsOn = on
	p.mtx.Unlock()
	return nil
}

// NotificationAreaEnabled reports the current value of the
// notification-area preference.
func (p *Prefs) NotificationAreaEnabled() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.notificationsOn
}

// Run watches the preference file and reloads it on change, until ctx is
// done. Reload failures are logged and the previous values kept.
func (p *Prefs) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create prefs watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the containing dir so atomic rename-into-place saves are
	// seen as well.
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("unable to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != p.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				p.log.Warnf("Unable to reload prefs: %v", err)
			} else {
				p.log.Debugf("Reloaded prefs from %s", p.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warnf("Prefs watcher error: %v", err)
		}
	}
}
