package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs editor save storms — most editors fire several
// write events per save, and some replace the file via rename.
const debounceDelay = 200 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands the
// result to onChange, so settings like the preferred camera or microphone
// take effect without restarting the agent. Files that fail to load or
// validate are logged and skipped; the previous config stays in effect.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors that write via
	// rename-and-replace would otherwise silently detach the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	closed := make(chan struct{})
	go func() {
		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-closed:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(debounceDelay)
					fire = debounce.C
				} else {
					debounce.Reset(debounceDelay)
				}
			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload %s failed: %v", path, err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(closed)
			watcher.Close()
		})
	}, nil
}
