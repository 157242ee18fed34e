package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands each valid
// result to onChange. Invalid edits are logged and ignored.
type Watcher struct {
	watcher      *fsnotify.Watcher
	path         string
	debounceTime time.Duration
	onChange     func(*Config)
	stopChan     chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

// NewWatcher starts watching path. The parent directory is watched so editors
// that replace the file on save are seen too.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("%w: watcher needs a change callback", ErrInvalidConfig)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		watcher:      watcher,
		path:         abs,
		debounceTime: debounce,
		onChange:     onChange,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.processEvents()

	log.Printf("[Config] Watching %s (debounce: %v)", abs, debounce)
	return w, nil
}

// processEvents coalesces bursts of writes into one reload
func (w *Watcher) processEvents() {
	defer close(w.done)
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounceTime, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] Watcher error: %v", err)

		case <-w.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stopChan:
		return
	default:
	}
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[Config] Reload of %s rejected: %v", w.path, err)
		return
	}
	log.Printf("[Config] Reloaded %s", w.path)
	w.onChange(cfg)
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
		<-w.done
		log.Printf("[Config] Watcher stopped")
	})
}

// ApplyDecision pushes the hot-reloadable settings, the validation policy and
// the learning rate, into a running pipeline
func ApplyDecision(cfg *Config, p *decision.Pipeline) error {
	if err := p.SetPolicy(cfg.Policy()); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}
	if err := p.Learner().SetAlpha(cfg.Decision.Alpha); err != nil {
		return fmt.Errorf("apply alpha: %w", err)
	}
	return nil
}
