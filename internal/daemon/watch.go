package daemon

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the directory holding chat.db and fires a callback
// after writes settle. sqlite touches the -wal and -shm siblings far
// more often than the main file, so all three count, and the debounce
// collapses each write burst into one callback.
type Watcher struct {
	fw       *fsnotify.Watcher
	base     string
	debounce time.Duration
	fire     func()
	done     chan struct{}
}

// NewWatcher starts watching the directory of dbPath. fire runs on the
// watcher goroutine after each settled burst.
func NewWatcher(dbPath string, debounce time.Duration, fire func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:       fw,
		base:     filepath.Base(dbPath),
		debounce: debounce,
		fire:     fire,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	return base == w.base || strings.HasPrefix(base, w.base+"-")
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.fire()
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
