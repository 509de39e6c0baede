package disk

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/shardq/internal/storage"
)

// SubscribeChanges watches the directory tree holding prefix. New
// subdirectories are added to the watch as they appear.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if !s.feedEnabled {
		return nil, storage.ErrNotImplemented
	}
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}
	dir := s.namespaceDir(namespace)
	if idx := strings.LastIndex(prefix, "/"); idx > 0 {
		dir = filepath.Join(dir, filepath.FromSlash(prefix[:idx]))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if err := sub.addTree(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch %q: %w", dir, err)
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} { return c.events }

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return c.watcher.Add(p)
		}
		return nil
	})
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(ev.Name, infoSuffix) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = c.addTree(ev.Name)
				}
			}
			c.signal()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
