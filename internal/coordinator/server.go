// Package coordinator multiplexes client connections: it owns the
// username registry, the document registry, and the per-connection
// dispatch loop that routes wire commands to sessions.
package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/broyeztony/sheetserver/internal/config"
	"github.com/broyeztony/sheetserver/internal/persistence"
	"github.com/broyeztony/sheetserver/internal/session"
	"github.com/broyeztony/sheetserver/internal/transport"
)

// connState tracks one accepted connection's binding to a session.
type connState struct {
	transport *transport.Transport
	client    session.Client

	mu       sync.Mutex
	bound    bool
	username string
	doc      *session.Session
}

// Server is the coordinator: connection registry, document registry,
// username registry, and protocol dispatch, wired together.
type Server struct {
	cfg config.Config
	log *zap.SugaredLogger

	users *persistence.UserStore

	listener     *transport.Listener
	statusServer *http.Server

	docsMu sync.Mutex
	docs   map[string]*session.Session

	connsMu sync.Mutex
	conns   map[uuid.UUID]*connState

	stopOnce sync.Once
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

// New constructs a Server from cfg. Call Start to begin accepting.
func New(cfg config.Config, log *zap.SugaredLogger) (*Server, error) {
	users, err := persistence.NewUserStore(cfg.UsersFile, log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading users file: %w", err)
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		users: users,
		docs:  make(map[string]*session.Session),
		conns: make(map[uuid.UUID]*connState),
	}, nil
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound and the background goroutines are running;
// call Wait to block until they exit (which happens only after Stop is
// called, or the listener fails).
func (s *Server) Start(ctx context.Context) error {
	ln, err := transport.Listen("", s.cfg.Port)
	if err != nil {
		s.log.Fatalw("failed to bind listener", "port", s.cfg.Port, "error", err)
		return err
	}
	s.listener = ln
	s.log.Infow("listening", "port", s.cfg.Port)

	// The loops outlive the start context (and any deadline on it); only
	// Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	s.startStatusServer()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.acceptLoop() })
	g.Go(func() error { return s.stdinStopLoop(gctx) })
	g.Go(func() error { return s.users.Watch(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			s.log.Warnw("server loop exited with error", "error", err)
		}
		close(s.doneCh)
	}()
	return nil
}

// Wait blocks until the server's background goroutines have exited,
// which happens once Stop has run to completion.
func (s *Server) Wait() {
	if s.doneCh != nil {
		<-s.doneCh
	}
}

// Stop saves every open document, closes every connection, stops the
// listener, and flushes the username registry. Safe to call twice.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down")
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Stop()
		}

		s.connsMu.Lock()
		conns := make([]*connState, 0, len(s.conns))
		for _, cs := range s.conns {
			conns = append(conns, cs)
		}
		s.conns = make(map[uuid.UUID]*connState)
		s.connsMu.Unlock()
		for _, cs := range conns {
			cs.transport.Close()
		}

		s.docsMu.Lock()
		docs := make([]*session.Session, 0, len(s.docs))
		for _, d := range s.docs {
			docs = append(docs, d)
		}
		s.docs = make(map[string]*session.Session)
		s.docsMu.Unlock()
		for _, d := range docs {
			d.Save()
		}

		if err := s.users.Flush(); err != nil {
			s.log.Warnw("failed to flush users file on shutdown", "error", err)
		}

		if s.statusServer != nil {
			s.statusServer.Close()
		}
	})
}

func (s *Server) acceptLoop() error {
	for {
		t, err := s.listener.Accept()
		if err != nil {
			// Either Stop() closed the listener or accepting failed; both
			// end in the same shutdown.
			s.Stop()
			return nil
		}
		cs := &connState{transport: t, client: session.AsClient(t)}
		s.connsMu.Lock()
		s.conns[t.ID] = cs
		s.connsMu.Unlock()
		s.log.Infow("connection accepted", "conn_id", t.ID, "remote", t.RemoteAddress())
		s.armReceive(cs)
	}
}

// stdinStopLoop reads standard input line by line; a line reading "STOP"
// triggers graceful shutdown.
func (s *Server) stdinStopLoop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "STOP" {
				s.Stop()
				return nil
			}
		}
	}
}

func (s *Server) armReceive(cs *connState) {
	cs.transport.Receive(func(line string, result transport.Result) {
		switch result {
		case transport.OK:
			s.dispatch(cs, line)
			s.armReceive(cs)
		case transport.TransientIOError:
			cs.transport.Send("error 0 An error occurred while sending or receiving data.")
			s.armReceive(cs)
		case transport.Closed:
			s.cleanup(cs)
		}
	})
}

func (s *Server) cleanup(cs *connState) {
	s.connsMu.Lock()
	delete(s.conns, cs.transport.ID)
	s.connsMu.Unlock()

	cs.mu.Lock()
	doc := cs.doc
	bound := cs.bound
	cs.mu.Unlock()

	if !bound {
		return
	}
	doc.RemoveClient(cs.client)
	if doc.GetUserCount() == 0 {
		doc.Save()
		s.docsMu.Lock()
		if s.docs[doc.Name] == doc {
			delete(s.docs, doc.Name)
		}
		s.docsMu.Unlock()
	}
}

func (s *Server) getOrCreateSession(name string) *session.Session {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	if doc, ok := s.docs[name]; ok {
		return doc
	}
	doc := session.New(name, s.cfg.SpreadsheetsDir, s.log)
	doc.Load()
	s.docs[name] = doc
	return doc
}

func (s *Server) dispatch(cs *connState, line string) {
	cmd, rest := splitFirstSpace(line)
	switch cmd {
	case "connect":
		s.handleConnect(cs, rest)
	case "register":
		s.handleRegister(cs, rest)
	case "cell":
		s.handleCell(cs, rest)
	case "undo":
		s.handleUndo(cs)
	default:
		cs.transport.Send(fmt.Sprintf("error 2 %s", cmd))
	}
}

func (s *Server) handleConnect(cs *connState, rest string) {
	cs.mu.Lock()
	if cs.bound {
		cs.mu.Unlock()
		cs.transport.Send("error 2 You are already connected to a spreadsheet.")
		return
	}
	cs.mu.Unlock()

	username, docName := splitFirstSpace(rest)
	if !s.users.Known(username) {
		cs.transport.Send(fmt.Sprintf("error 4 %s", username))
		return
	}

	doc := s.getOrCreateSession(docName)
	doc.AddClient(cs.client)

	cs.mu.Lock()
	cs.bound = true
	cs.username = username
	cs.doc = doc
	cs.mu.Unlock()

	s.log.Infow("connected", "conn_id", cs.transport.ID, "username", username, "document", docName)
}

func (s *Server) handleRegister(cs *connState, rest string) {
	cs.mu.Lock()
	bound := cs.bound
	cs.mu.Unlock()
	if !bound {
		cs.transport.Send("error 3 You must connect before registering a username.")
		return
	}

	username := rest
	if !s.users.Register(username) {
		cs.transport.Send(fmt.Sprintf("error 4 %s", username))
	}
	// No reply on success: preserves wire compatibility with existing clients.
}

func (s *Server) handleCell(cs *connState, rest string) {
	cs.mu.Lock()
	bound := cs.bound
	doc := cs.doc
	cs.mu.Unlock()
	if !bound {
		cs.transport.Send("error 3 You must connect before editing a cell.")
		return
	}

	name, contents := splitFirstSpace(rest)
	if !doc.EditCell(name, contents) {
		cs.transport.Send(fmt.Sprintf("error 1 When trying to edit cell %s, a circular dependency occurred: the edit was not made.", name))
	}
}

func (s *Server) handleUndo(cs *connState) {
	cs.mu.Lock()
	bound := cs.bound
	doc := cs.doc
	cs.mu.Unlock()
	if !bound {
		cs.transport.Send("error 3 Your undo command was unable to be processed.")
		return
	}
	if !doc.UndoAll() {
		cs.transport.Send("error 3 Your undo command was unable to be processed.")
	}
}

func (s *Server) startStatusServer() {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	s.statusServer = &http.Server{Addr: s.cfg.StatusAddr, Handler: r}
	go func() {
		if err := s.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warnw("status server stopped", "error", err)
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.docsMu.Lock()
	type docStatus struct {
		name  string
		users int
	}
	statuses := make([]docStatus, 0, len(s.docs))
	for name, doc := range s.docs {
		statuses = append(statuses, docStatus{name: name, users: doc.GetUserCount()})
	}
	s.docsMu.Unlock()

	s.connsMu.Lock()
	total := len(s.conns)
	s.connsMu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "connections %d\n", total)
	for _, st := range statuses {
		fmt.Fprintf(w, "document %s users %d\n", st.name, st.users)
	}
}
