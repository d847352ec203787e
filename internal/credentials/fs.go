package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps the token record as JSON in a single 0600 file.
type FileStore struct {
	Path     string
	Debounce time.Duration

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, Debounce: 200 * time.Millisecond}
}

func (f *FileStore) Load() (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if r.Access == "" && r.Refresh == "" {
		return nil, ErrNotFound
	}
	return r.token(), nil
}

// Save replaces the file atomically: write a temp file in the same directory, then rename.
func (f *FileStore) Save(tok Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := EnsureParentDir(f.Path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(toRecord(tok), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".openai-oauth-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}

// Watch signals on the returned channel whenever the credentials file is
// created, rewritten, renamed or removed by anyone. Bursts are debounced
// into one signal. The watcher stops when done is closed.
func (f *FileStore) Watch(done <-chan struct{}) (<-chan struct{}, error) {
	dir := filepath.Dir(f.Path)
	if err := EnsureParentDir(f.Path); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	onChange := make(chan struct{}, 1)
	go f.watchLoop(fsw, done, onChange)
	return onChange, nil
}

func (f *FileStore) watchLoop(fsw *fsnotify.Watcher, done <-chan struct{}, onChange chan<- struct{}) {
	defer fsw.Close()

	base := filepath.Base(f.Path)
	debounce := f.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	var timer *time.Timer
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-timerC():
			timer = nil
			select {
			case onChange <- struct{}{}:
			default:
			}

		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}

		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
