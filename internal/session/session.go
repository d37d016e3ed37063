// Package session implements the state of one open spreadsheet document:
// its cell map, dependency graph, undo history and attached clients, plus
// the broadcast and persistence operations that act on them.
package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/broyeztony/sheetserver/internal/cellref"
	"github.com/broyeztony/sheetserver/internal/graph"
	"github.com/broyeztony/sheetserver/internal/transport"
)

// Client is the subset of transport.Transport the session needs in order
// to broadcast to an attached connection. A narrow interface keeps this
// package testable without a real socket.
type Client interface {
	ID() uuid.UUID
	Send(msg string) bool
}

// clientAdapter adapts *transport.Transport to Client.
type clientAdapter struct{ t *transport.Transport }

func (a clientAdapter) ID() uuid.UUID      { return a.t.ID }
func (a clientAdapter) Send(msg string) bool { return a.t.Send(msg) }

// AsClient wraps a transport for attachment to a Session.
func AsClient(t *transport.Transport) Client { return clientAdapter{t} }

type undoEntry struct {
	name string
	prev string
}

// Session is the in-memory state of one open document.
type Session struct {
	Name string
	dir  string
	log  *zap.SugaredLogger

	cellsMu sync.Mutex
	cells   map[string]string
	graph   *graph.DependencyGraph
	undo    []undoEntry

	clientsMu sync.Mutex
	clients   map[uuid.UUID]Client

	breaker *gobreaker.CircuitBreaker
}

// New constructs an unloaded session for document name, rooted at dir.
func New(name, dir string, log *zap.SugaredLogger) *Session {
	s := &Session{
		Name:    name,
		dir:     dir,
		log:     log,
		cells:   make(map[string]string),
		graph:   graph.New(),
		clients: make(map[uuid.UUID]Client),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "session-save:" + name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return s
}

func (s *Session) path() string {
	return filepath.Join(s.dir, s.Name)
}

// Load is idempotent: it only does work the first time it is called on an
// empty session. Returns true iff the document file is present and the
// in-memory state is consistent with it afterward.
func (s *Session) Load() bool {
	s.cellsMu.Lock()
	defer s.cellsMu.Unlock()

	if len(s.cells) != 0 || len(s.undo) != 0 {
		_, err := os.Stat(s.path())
		return err == nil
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.log.Warnw("failed to create spreadsheets directory", "dir", s.dir, "error", err)
		return false
	}

	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		created, cerr := os.OpenFile(s.path(), os.O_CREATE|os.O_WRONLY, 0o600)
		if cerr != nil {
			s.log.Warnw("failed to create document file", "document", s.Name, "error", cerr)
			return false
		}
		created.Close()
		return true
	}
	if err != nil {
		s.log.Warnw("failed to open document file", "document", s.Name, "error", err)
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		name, contents := splitFirstSpace(line)
		s.updateCellLocked(name, contents)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warnw("error reading document file", "document", s.Name, "error", err)
		return false
	}
	return true
}

// Save writes the current cell map to the document file, overwriting it.
// Repeated failures trip a circuit breaker scoped to this session; while
// it is open, Save is skipped rather than re-attempting a doomed write on
// every edit. In-memory state remains authoritative regardless.
func (s *Session) Save() bool {
	s.cellsMu.Lock()
	lines := make([]string, 0, len(s.cells))
	for name, contents := range s.cells {
		lines = append(lines, fmt.Sprintf("%s %s\n", name, contents))
	}
	s.cellsMu.Unlock()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writeFile(lines)
	})
	if err != nil {
		s.log.Warnw("document save skipped or failed", "document", s.Name, "error", err)
		return false
	}
	return true
}

func (s *Session) writeFile(lines []string) error {
	f, err := os.OpenFile(s.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l); err != nil {
			return err
		}
	}
	return w.Flush()
}

// AddClient attaches c to this session's broadcast set and sends it the
// initial connected/cell burst. Returns false if c is already attached.
//
// cellsMu is held for the whole operation, the same lock broadcastLocked
// requires: otherwise a concurrent edit could observe c already present in
// s.clients and broadcast to it before this initial sync has been sent.
func (s *Session) AddClient(c Client) bool {
	s.cellsMu.Lock()
	defer s.cellsMu.Unlock()

	s.clientsMu.Lock()
	if _, ok := s.clients[c.ID()]; ok {
		s.clientsMu.Unlock()
		return false
	}
	s.clients[c.ID()] = c
	s.clientsMu.Unlock()

	c.Send(fmt.Sprintf("connected %d", len(s.cells)))
	for name, contents := range s.cells {
		c.Send(fmt.Sprintf("cell %s %s", name, contents))
	}
	return true
}

// RemoveClient detaches c. Returns whether it had been attached.
func (s *Session) RemoveClient(c Client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c.ID()]; !ok {
		return false
	}
	delete(s.clients, c.ID())
	return true
}

// GetUserCount returns the number of currently attached clients.
func (s *Session) GetUserCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// EditCell performs one atomic edit, broadcasts it, and saves. Returns
// false only on a circular-dependency rejection; the edit is not applied
// in that case.
func (s *Session) EditCell(name, contents string) bool {
	name = cellref.Normalize(name)

	s.cellsMu.Lock()
	refs := cellref.References(contents)
	if !s.graph.ReplaceDependees(name, refs) {
		s.cellsMu.Unlock()
		return false
	}
	old := s.applyLocked(name, contents)
	s.undo = append(s.undo, undoEntry{name: name, prev: old})
	s.broadcastLocked(name, contents)
	s.cellsMu.Unlock()

	s.Save()
	return true
}

// UndoAll reverses exactly one edit: the most recently applied change.
// Returns false if there is nothing to undo.
func (s *Session) UndoAll() bool {
	s.cellsMu.Lock()
	if len(s.undo) == 0 {
		s.cellsMu.Unlock()
		return false
	}
	last := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]

	s.updateCellLocked(last.name, last.prev)
	s.broadcastLocked(last.name, last.prev)
	s.cellsMu.Unlock()

	s.Save()
	return true
}

// updateCellLocked applies name=contents to the graph and cell map without
// pushing an undo entry; callers must hold cellsMu. Used by Load (initial
// population) and UndoAll (which manages its own undo entry separately).
func (s *Session) updateCellLocked(name, contents string) {
	name = cellref.Normalize(name)
	refs := cellref.References(contents)
	s.graph.ReplaceDependees(name, refs)
	s.applyLocked(name, contents)
}

// applyLocked sets or deletes the cell map entry for name and returns its
// previous contents (empty string if it was absent). Callers must hold
// cellsMu.
func (s *Session) applyLocked(name, contents string) string {
	old := s.cells[name]
	if contents == "" {
		delete(s.cells, name)
	} else {
		s.cells[name] = contents
	}
	return old
}

// broadcastLocked fans the edit out to every attached client, in commit
// order, dropping silently to any client whose transport has closed.
// Callers must hold cellsMu (broadcast order must match commit order).
func (s *Session) broadcastLocked(name, contents string) {
	line := fmt.Sprintf("cell %s %s", name, contents)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		c.Send(line)
	}
}

func splitFirstSpace(line string) (string, string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}
