package transport

import (
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	client, server := net.Pipe()
	return New(client), New(server)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	done := make(chan string, 1)
	b.Receive(func(line string, result Result) {
		if result != OK {
			t.Errorf("result = %v, want OK", result)
		}
		done <- line
	})

	a.Send("hello")

	select {
	case got := <-done:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestReceiveStripsCROnly(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	done := make(chan string, 1)
	b.Receive(func(line string, result Result) {
		done <- line
	})

	a.conn.Write([]byte("hi\r\n"))

	select {
	case got := <-done:
		if got != "hi" {
			t.Fatalf("got %q, want %q", got, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestReceiveBuffersUntilHandlerRegistered(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	a.Send("first")
	time.Sleep(50 * time.Millisecond) // let it land in the backlog

	done := make(chan string, 1)
	b.Receive(func(line string, result Result) {
		done <- line
	})

	select {
	case got := <-done:
		if got != "first" {
			t.Fatalf("got %q, want %q", got, "first")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffered delivery")
	}
}

func TestReceiveOrderingIsFIFO(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	var got []string
	ch := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		b.Receive(func(line string, result Result) {
			got = append(got, line)
			ch <- struct{}{}
		})
	}

	a.Send("one")
	a.Send("two")
	a.Send("three")

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}

	want := []string{"one", "two", "three"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %q, want %q (full=%v)", i, got[i], w, got)
		}
	}
}

func TestCloseFailsPendingReceive(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()

	done := make(chan Result, 1)
	b.Receive(func(line string, result Result) {
		done <- result
	})

	b.Close()

	select {
	case r := <-done:
		if r != Closed {
			t.Fatalf("result = %v, want Closed", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close indication")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()

	b.Close()
	b.Close() // must not panic or block
}

func TestSendAfterCloseReturnsFalse(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()

	b.Close()
	if b.Send("too late") {
		t.Fatal("Send after Close = true, want false")
	}
}

func TestReceiveAfterCloseIsImmediatelyClosed(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()

	b.Close()

	done := make(chan Result, 1)
	b.Receive(func(line string, result Result) {
		done <- result
	})

	select {
	case r := <-done:
		if r != Closed {
			t.Fatalf("result = %v, want Closed", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestPeerHangupClosesTransport(t *testing.T) {
	a, b := pipePair(t)
	defer b.Close()

	done := make(chan Result, 1)
	b.Receive(func(line string, result Result) {
		done <- result
	})

	a.Close()

	select {
	case r := <-done:
		if r != Closed {
			t.Fatalf("result = %v, want Closed", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-hangup close indication")
	}
}
