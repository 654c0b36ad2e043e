package backend

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestPlainSendRecvRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	pc := NewPlain(client)
	ps := NewPlain(server)
	defer pc.Close()
	defer ps.Close()

	if err := pc.Send([]byte("hello"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := ps.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Recv() = %q, want %q", got, "hello")
	}
}

func TestPlainCloseSurfacesEOF(t *testing.T) {
	client, server := net.Pipe()
	pc := NewPlain(client)
	ps := NewPlain(server)
	defer ps.Close()

	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := ps.Recv()
	if err != io.EOF {
		t.Fatalf("Recv() after peer Close = %v, want io.EOF", err)
	}
}

func TestPlainAvailableReflectsHighWaterMark(t *testing.T) {
	client, server := net.Pipe()
	pc := NewPlain(client)
	defer pc.Close()
	defer server.Close()

	if !pc.Available() {
		t.Fatalf("Available() on a fresh backend = false, want true")
	}
	// net.Pipe is unbuffered and synchronous, and nothing ever reads from
	// server here: pc's writeLoop blocks forever on its first Write, so
	// every chunk queued after that one accumulates rather than draining.
	if err := pc.Send([]byte{1}, true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let writeLoop pick up and block on it
	chunk := bytes.Repeat([]byte{2}, 4096)
	for i := 0; i < (PlainBufferSize/len(chunk))+2; i++ {
		if err := pc.Send(chunk, false); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if pc.Available() {
		t.Fatalf("Available() after exceeding high-water mark = true, want false")
	}
}
