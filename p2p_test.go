package main

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"
)

func TestP2PWriteAndReadMessageRoundTrip(t *testing.T) {
	p := &p2pListener{magic: 0xd9b4bef9}
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := p.writeMessage(fakeConn{&buf}, "ping", payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	r := bufio.NewReader(&buf)
	header, got, err := p.readMessage(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if header.Command != "ping" {
		t.Fatalf("expected command ping, got %q", header.Command)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestP2PReadMessageResyncsOnBadMagic(t *testing.T) {
	p := &p2pListener{magic: 0xd9b4bef9}
	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef}) // garbage before a real frame
	if err := p.writeMessage(fakeConn{&buf}, "ping", nil); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	r := bufio.NewReader(&buf)
	header, _, err := p.readMessage(r)
	if err != nil {
		t.Fatalf("expected resync to find the real frame, got error: %v", err)
	}
	if header.Command != "ping" {
		t.Fatalf("expected command ping after resync, got %q", header.Command)
	}
}

func TestHandleInvDetectsBlockType(t *testing.T) {
	p := &p2pListener{}
	payload := []byte{1} // count=1
	payload = append(payload, 2, 0, 0, 0) // MSG_BLOCK
	payload = append(payload, make([]byte, 32)...)
	if !p.handleInv(payload) {
		t.Fatalf("expected block inv to be detected")
	}
}

func TestHandleInvIgnoresTransactionType(t *testing.T) {
	p := &p2pListener{}
	payload := []byte{1} // count=1
	payload = append(payload, 1, 0, 0, 0) // MSG_TX
	payload = append(payload, make([]byte, 32)...)
	if p.handleInv(payload) {
		t.Fatalf("expected tx-only inv not to be treated as a block signal")
	}
}

type fakeConn struct {
	buf *bytes.Buffer
}

func (f fakeConn) Read(b []byte) (int, error)          { return f.buf.Read(b) }
func (f fakeConn) Write(b []byte) (int, error)         { return f.buf.Write(b) }
func (f fakeConn) Close() error                        { return nil }
func (f fakeConn) LocalAddr() net.Addr                 { return nil }
func (f fakeConn) RemoteAddr() net.Addr                { return nil }
func (f fakeConn) SetDeadline(t time.Time) error        { return nil }
func (f fakeConn) SetReadDeadline(t time.Time) error    { return nil }
func (f fakeConn) SetWriteDeadline(t time.Time) error   { return nil }

var _ net.Conn = fakeConn{}
