package models

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates a Registry when model directories are added to or removed
// from the models root. It is opt-in (MODELS_WATCH); without it the registry is
// only refreshed by an explicit administrative call.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// Coalesce bursts (unpacking a model archive creates many events).
	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the registry's root directory.
func NewWatcher(r *Registry, debounce time.Duration, log zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		registry: r,
		debounce: debounce,
		log:      log.With().Str("component", "watcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The models root must exist.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.registry.Root()); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()
	w.log.Info().Str("root", w.registry.Root()).Msg("watching models directory")
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("models directory changed")
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("models watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.registry.Invalidate)
}
