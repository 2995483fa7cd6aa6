package amocrm

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchedTokenStore caches the last pair read from a FileTokenStore and drops
// the cache whenever the token file changes on disk, so a pair rotated by
// another process is seen on the next Load.
type WatchedTokenStore struct {
	file    *FileTokenStore
	watcher *fsnotify.Watcher
	logger  Logger

	mu         sync.Mutex
	cached     *TokenPair
	generation uint64

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWatchedTokenStore(file *FileTokenStore, logger Logger) (*WatchedTokenStore, error) {
	if file == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The directory is watched because rename-over replaces the file's inode.
	if err := watcher.Add(filepath.Dir(file.Path())); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &WatchedTokenStore{
		file:    file,
		watcher: watcher,
		logger:  loggerOrDefault(logger),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *WatchedTokenStore) Load() (TokenPair, error) {
	s.mu.Lock()
	if s.cached != nil {
		pair := *s.cached
		s.mu.Unlock()
		return pair, nil
	}
	generation := s.generation
	s.mu.Unlock()

	pair, err := s.file.Load()
	if err != nil {
		return TokenPair{}, err
	}
	s.mu.Lock()
	if s.generation == generation {
		s.cached = &pair
	}
	s.mu.Unlock()
	return pair, nil
}

func (s *WatchedTokenStore) Save(pair TokenPair) error {
	if err := s.file.Save(pair); err != nil {
		s.invalidate()
		return err
	}
	s.mu.Lock()
	s.cached = &pair
	s.mu.Unlock()
	return nil
}

func (s *WatchedTokenStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *WatchedTokenStore) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.generation++
	s.mu.Unlock()
}

func (s *WatchedTokenStore) watch() {
	defer s.wg.Done()
	target := filepath.Clean(s.file.Path())
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				s.invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("token watcher error: %v", err)
			s.invalidate()
		}
	}
}
