package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration snapshot and refreshes it when
// the file changes on disk. In-flight requests keep the snapshot they
// started with; a reload that fails validation is logged and dropped.
type Manager struct {
	path    string
	current atomic.Value // Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads the file once (fatal on error) and starts watching
// it for changes.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors and config maps replace the file
	// instead of writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	m := &Manager{path: path, watcher: watcher, done: make(chan struct{})}
	m.current.Store(cfg)
	go m.watch()
	return m, nil
}

// Current returns the latest valid configuration snapshot.
func (m *Manager) Current() Config {
	return m.current.Load().(Config)
}

// Close stops the watcher.
func (m *Manager) Close() error {
	close(m.done)
	return m.watcher.Close()
}

func (m *Manager) watch() {
	base := filepath.Base(m.path)
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(m.path)
			if err != nil {
				log.Printf("config reload rejected, keeping previous: %v", err)
				continue
			}
			m.current.Store(cfg)
			log.Printf("config reloaded from %s", m.path)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}
