package coordinator

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/broyeztony/sheetserver/internal/config"
	"github.com/broyeztony/sheetserver/internal/session"
	"github.com/broyeztony/sheetserver/internal/transport"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users")
	if err := os.WriteFile(usersPath, []byte("alice\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.Defaults()
	cfg.UsersFile = usersPath
	cfg.SpreadsheetsDir = filepath.Join(dir, "spreadsheets")

	s, err := New(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// pipeConn wires a connState to the server side of an in-memory pipe,
// returning the client-facing transport the test drives directly.
func pipeConn() (*connState, *transport.Transport) {
	c, srv := net.Pipe()
	clientT := transport.New(c)
	serverT := transport.New(srv)
	cs := &connState{transport: serverT}
	return cs, clientT
}

func recvLine(t *testing.T, tr *transport.Transport) string {
	t.Helper()
	done := make(chan string, 1)
	tr.Receive(func(line string, result transport.Result) {
		done <- line
	})
	select {
	case l := <-done:
		return l
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func TestHandleConnectUnknownUser(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()

	s.handleConnect(cs, "bob sheet1")

	if got := recvLine(t, client); got != "error 4 bob" {
		t.Fatalf("got %q, want %q", got, "error 4 bob")
	}
}

func TestHandleConnectSuccessEmptySheet(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")

	if got := recvLine(t, client); got != "connected 0" {
		t.Fatalf("got %q, want %q", got, "connected 0")
	}
	if _, err := os.Stat(filepath.Join(s.cfg.SpreadsheetsDir, "sheet1")); err != nil {
		t.Fatalf("document file not created: %v", err)
	}
}

func TestHandleConnectAlreadyBound(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client) // connected 0

	s.handleConnect(cs, "alice sheet2")
	if got := recvLine(t, client); got[:7] != "error 2" {
		t.Fatalf("got %q, want an error 2 reply", got)
	}
}

func TestHandleRegisterRequiresBinding(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()

	s.handleRegister(cs, "carol")
	if got := recvLine(t, client); got[:7] != "error 3" {
		t.Fatalf("got %q, want an error 3 reply", got)
	}
}

func TestHandleRegisterDuplicateUsername(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client)

	s.handleRegister(cs, "alice")
	if got := recvLine(t, client); got != "error 4 alice" {
		t.Fatalf("got %q, want %q", got, "error 4 alice")
	}
}

func TestHandleCellAndBroadcast(t *testing.T) {
	s := testServer(t)
	csA, clientA := pipeConn()
	csB, clientB := pipeConn()
	defer csA.transport.Close()
	defer csB.transport.Close()
	defer clientA.Close()
	defer clientB.Close()
	csA.client = session.AsClient(csA.transport)
	csB.client = session.AsClient(csB.transport)

	s.handleConnect(csA, "alice sheet1")
	recvLine(t, clientA)
	s.handleConnect(csB, "alice sheet1")
	recvLine(t, clientB)

	s.handleCell(csA, "A1 =B1+1")

	gotA := recvLine(t, clientA)
	gotB := recvLine(t, clientB)
	if gotA != "cell A1 =B1+1" || gotB != "cell A1 =B1+1" {
		t.Fatalf("broadcasts = %q / %q, want both %q", gotA, gotB, "cell A1 =B1+1")
	}
}

func TestHandleCellCircularDependency(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client)

	s.handleCell(cs, "A1 =B1")
	recvLine(t, client) // broadcast of A1

	s.handleCell(cs, "B1 =A1")
	got := recvLine(t, client)
	want := "error 1 When trying to edit cell B1, a circular dependency occurred: the edit was not made."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHandleUndoRestoresValue(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client)
	s.handleCell(cs, "A1 5")
	recvLine(t, client)
	s.handleCell(cs, "A1 7")
	recvLine(t, client)

	s.handleUndo(cs)
	got := recvLine(t, client)
	if got != "cell A1 5" {
		t.Fatalf("got %q, want %q", got, "cell A1 5")
	}
}

func TestHandleUndoNothingToUndo(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client)

	s.handleUndo(cs)
	got := recvLine(t, client)
	if got != "error 3 Your undo command was unable to be processed." {
		t.Fatalf("got %q, want the undo-precondition error", got)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	defer cs.transport.Close()
	defer client.Close()

	s.dispatch(cs, "frobnicate something")
	if got := recvLine(t, client); got != "error 2 frobnicate" {
		t.Fatalf("got %q, want %q", got, "error 2 frobnicate")
	}
}

func TestLastClientLeavesRemovesSession(t *testing.T) {
	s := testServer(t)
	cs, client := pipeConn()
	cs.client = session.AsClient(cs.transport)

	s.handleConnect(cs, "alice sheet1")
	recvLine(t, client)

	cs.mu.Lock()
	doc := cs.doc
	cs.mu.Unlock()

	s.cleanup(cs)

	s.docsMu.Lock()
	_, stillOpen := s.docs["sheet1"]
	s.docsMu.Unlock()
	if stillOpen {
		t.Fatalf("session should be removed once its last client leaves")
	}
	if doc.GetUserCount() != 0 {
		t.Fatalf("doc user count = %d, want 0", doc.GetUserCount())
	}

	client.Close()
	cs.transport.Close()
}
