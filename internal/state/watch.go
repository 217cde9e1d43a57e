package state

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// Event is one observed state change. Err is set for watcher failures;
// State is nil when the record was removed.
type Event struct {
	Name  string
	State *State
	Err   error
}

// CleanupFunc stops a watch and waits for its goroutine to drain.
type CleanupFunc func() error

// Watchable is implemented by stores that can stream change events.
type Watchable interface {
	Watch(ctx context.Context) (<-chan Event, CleanupFunc, error)
}

const watchDebounce = 100 * time.Millisecond

// Watch emits an Event whenever a state file under the store directory is
// written or removed. Bursts of writes to the same record are debounced.
// The returned cleanup must be called to release the watcher; the channel
// closes after cleanup or when ctx is canceled.
func (f *FileStore) Watch(ctx context.Context) (<-chan Event, CleanupFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &PersistenceError{Op: "watch", Err: err}
	}
	if err := watcher.Add(f.dir); err != nil {
		_ = watcher.Close()
		return nil, nil, &PersistenceError{Op: "watch", Err: err}
	}

	ch := make(chan Event, 16)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)

	emit := func(name string) {
		if sctx.IsStopping() {
			return
		}
		st, _ := f.Load(name)
		select {
		case ch <- Event{Name: name, State: st}:
		case <-sctx.Stopping():
		}
	}

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			mu.Unlock()
		})
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				base := filepath.Base(ev.Name)
				if !strings.HasSuffix(base, ".json") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				name := strings.TrimSuffix(base, ".json")
				mu.Lock()
				if t, ok := pending[name]; ok {
					t.Stop()
				}
				pending[name] = time.AfterFunc(watchDebounce, func() { emit(name) })
				mu.Unlock()
			case werr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if werr != nil && !sctx.IsStopping() {
					select {
					case ch <- Event{Err: werr}:
					case <-sctx.Stopping():
						return nil
					}
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
