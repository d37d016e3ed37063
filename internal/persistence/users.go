// Package persistence implements the username registry's on-disk file:
// loading it at startup, appending newly registered names, rewriting it
// at shutdown, and watching it for administrative edits made while the
// server runs.
package persistence

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Sysadmin is injected into the registry on every load, whether or not it
// appears in the file.
const Sysadmin = "sysadmin"

// UserStore is the in-memory username registry backed by a flat file.
type UserStore struct {
	path string
	log  *zap.SugaredLogger

	mu    sync.RWMutex
	names map[string]struct{}
}

// NewUserStore loads path (creating it if absent) and returns a store
// primed with its contents plus Sysadmin.
func NewUserStore(path string, log *zap.SugaredLogger) (*UserStore, error) {
	s := &UserStore{
		path:  path,
		log:   log,
		names: make(map[string]struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the file from scratch into a fresh set, always
// including Sysadmin. Loop termination happens only on EOF, so the last
// line is never read twice.
func (s *UserStore) reload() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	fresh := make(map[string]struct{})
	fresh[Sysadmin] = struct{}{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := scanner.Text()
		if name == "" {
			continue
		}
		fresh[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.names = fresh
	s.mu.Unlock()
	return nil
}

// Known reports whether name is a recognized username.
func (s *UserStore) Known(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[name]
	return ok
}

// Register inserts name and appends it to the file. Returns false if name
// already exists.
func (s *UserStore) Register(name string) bool {
	s.mu.Lock()
	if _, ok := s.names[name]; ok {
		s.mu.Unlock()
		return false
	}
	s.names[name] = struct{}{}
	s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.log.Warnw("failed to append registered username", "username", name, "error", err)
		return true
	}
	defer f.Close()
	if _, err := f.WriteString(name + "\n"); err != nil {
		s.log.Warnw("failed to append registered username", "username", name, "error", err)
	}
	return true
}

// Flush rewrites the entire file from the in-memory set.
func (s *UserStore) Flush() error {
	s.mu.RLock()
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		if n == Sysadmin {
			continue
		}
		names = append(names, n)
	}
	s.mu.RUnlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, n := range names {
		if _, err := w.WriteString(n + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Watch blocks, reconciling external (administrative) edits to the
// backing file into the in-memory set, until ctx is canceled. It is meant
// to be run as one leg of the coordinator's errgroup alongside the accept
// loop and the stdin STOP reader.
func (s *UserStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil {
					s.log.Warnw("failed to reconcile external users file edit", "error", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnw("users file watcher error", "error", err)
		}
	}
}
