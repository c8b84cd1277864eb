package notify

import (
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StorageWatcher is the cross-context propagation path for file-backed
// stores: it observes the store file and republishes a storage signal on
// the local bus whenever another process rewrites it. The watch is on
// the parent directory because the store replaces the file via rename.
type StorageWatcher struct {
	watcher   *fsnotify.Watcher
	bus       Bus
	path      string
	settle    time.Duration
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewStorageWatcher(path string, bus Bus) (*StorageWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || bus == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &StorageWatcher{
		watcher: watcher,
		bus:     bus,
		path:    filepath.Clean(path),
		settle:  25 * time.Millisecond,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	return w, nil
}

func (w *StorageWatcher) run() {
	// A store rewrite surfaces as a tmp-write plus a rename, and one
	// logical mutation may rewrite several keys back to back. Each event
	// re-arms the settle timer; the signal fires once, after the burst
	// goes quiet, so the trailing write is never swallowed.
	settle := time.NewTimer(w.settle)
	if !settle.Stop() {
		<-settle.C
	}
	armed := false
	defer settle.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-settle.C:
			armed = false
			w.bus.Publish(Signal{Reason: SignalStorage})
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
			if armed && !settle.Stop() {
				<-settle.C
			}
			settle.Reset(w.settle)
			armed = true
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: storage watcher error: %v", err)
		}
	}
}

func (w *StorageWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
