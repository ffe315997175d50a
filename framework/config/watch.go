/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dorklabs/dork/framework/log"
)

// watchDebounce coalesces the event bursts editors produce when they
// rename-replace a file.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch monitors path and calls onChange with each successfully reloaded
// configuration. Reload failures keep the previous configuration and are
// only logged. The parent directory is watched rather than the file itself
// so atomic rename-replace updates are seen too.
func Watch(path string, logger log.Logger, onChange func(*Config)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	go w.loop(absPath, logger, onChange)
	return w, nil
}

func (w *Watcher) loop(absPath string, logger log.Logger, onChange func(*Config)) {
	defer close(w.done)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != absPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("config watch error", err)
		case <-fire:
			debounce = nil
			fire = nil

			cfg, err := Load(absPath)
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration", err)
				continue
			}
			logger.Msg("configuration file changed", "path", absPath)
			onChange(cfg)
		}
	}
}

// Close stops the watcher and waits for the reload goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
