package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	p2pHeaderLen     = 24
	p2pMaxPayload    = 4 << 20
	p2pInvTypeBlock  = 2
	p2pInvHashLen    = 32
	p2pReconnectBase = 2 * time.Second
	p2pReconnectMax  = 60 * time.Second
)

// p2pMessageHeader is Bitcoin's 24-byte wire header: a 4-byte network magic,
// a 12-byte null-padded command name, a 4-byte payload length, and a 4-byte
// checksum (first 4 bytes of sha256d(payload)).
type p2pMessageHeader struct {
	Magic    uint32
	Command  string
	Length   uint32
	Checksum [4]byte
}

// p2pListener connects to the coin's P2P network purely to learn about new
// blocks via `inv` messages; it never relays transactions. onBlock is
// invoked (non-blocking) whenever a block inv is observed.
type p2pListener struct {
	addr    string
	magic   uint32
	onBlock func()
}

func newP2PListener(addr string, magic uint32, onBlock func()) *p2pListener {
	return &p2pListener{addr: addr, magic: magic, onBlock: onBlock}
}

// Run connects and processes messages until ctx is cancelled, reconnecting
// with exponential backoff on socket errors.
func (p *p2pListener) Run(ctx context.Context) {
	backoff := p2pReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", p.addr, 10*time.Second)
		if err != nil {
			logger.Warn("p2p dial failed", "addr", p.addr, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = p2pReconnectBase
		if err := p.handshake(conn); err != nil {
			logger.Warn("p2p handshake failed", "addr", p.addr, "error", err)
			_ = conn.Close()
			if !sleepOrDone(ctx, backoff) {
				return
			}
			continue
		}
		logger.Info("p2p connected", "addr", p.addr)
		err = p.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("p2p connection lost", "addr", p.addr, "error", err)
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > p2pReconnectMax {
		d = p2pReconnectMax
	}
	return d
}

func (p *p2pListener) handshake(conn net.Conn) error {
	version := p.buildVersionPayload()
	if err := p.writeMessage(conn, "version", version); err != nil {
		return err
	}
	return nil
}

func (p *p2pListener) buildVersionPayload() []byte {
	var buf bytes.Buffer
	writeUint32LE(&buf, 70015)
	writeUint64LE(&buf, 0)
	writeUint64LE(&buf, uint64(time.Now().Unix()))
	buf.Write(make([]byte, 26)) // addr_recv (services+ip+port), zeroed
	buf.Write(make([]byte, 26)) // addr_from
	writeUint64LE(&buf, 0)      // nonce
	buf.WriteByte(0)            // empty user agent varstr
	writeUint32LE(&buf, 0)      // start height
	buf.WriteByte(0)            // relay=false
	return buf.Bytes()
}

func (p *p2pListener) readLoop(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		header, payload, err := p.readMessage(r)
		if err != nil {
			return err
		}
		switch header.Command {
		case "version":
			if err := p.writeMessage(conn, "verack", nil); err != nil {
				return err
			}
		case "verack":
			// connection fully established; nothing to do
		case "ping":
			if err := p.writeMessage(conn, "pong", payload); err != nil {
				return err
			}
		case "inv":
			if p.handleInv(payload) && p.onBlock != nil {
				go p.onBlock()
			}
		default:
			// no transaction relay or other message types needed
		}
	}
}

// readMessage parses one framed message, resyncing the stream on a magic
// mismatch by scanning forward byte-by-byte until the next magic value (or
// EOF).
func (p *p2pListener) readMessage(r *bufio.Reader) (p2pMessageHeader, []byte, error) {
	header, err := p.readHeader(r)
	if err != nil {
		return header, nil, err
	}
	if header.Length > p2pMaxPayload {
		return header, nil, fmt.Errorf("p2p payload too large: %d", header.Length)
	}
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return header, nil, err
	}
	sum := sha256Sum(payload)
	sum2 := sha256Sum(sum[:])
	if !bytes.Equal(sum2[:4], header.Checksum[:]) {
		logger.Warn("p2p checksum mismatch, dropping message", "command", header.Command)
		return p.readMessage(r)
	}
	return header, payload, nil
}

func (p *p2pListener) readHeader(r *bufio.Reader) (p2pMessageHeader, error) {
	var magicBuf [4]byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return p2pMessageHeader{}, err
		}
		magicBuf[0], magicBuf[1], magicBuf[2], magicBuf[3] = magicBuf[1], magicBuf[2], magicBuf[3], b
		if binary.LittleEndian.Uint32(magicBuf[:]) == p.magic {
			break
		}
	}
	rest := make([]byte, p2pHeaderLen-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return p2pMessageHeader{}, err
	}
	command := bytes.TrimRight(rest[:12], "\x00")
	length := binary.LittleEndian.Uint32(rest[12:16])
	var checksum [4]byte
	copy(checksum[:], rest[16:20])
	return p2pMessageHeader{Magic: p.magic, Command: string(command), Length: length, Checksum: checksum}, nil
}

func (p *p2pListener) writeMessage(conn net.Conn, command string, payload []byte) error {
	var cmdBuf [12]byte
	copy(cmdBuf[:], command)

	sum := sha256Sum(payload)
	sum2 := sha256Sum(sum[:])

	var buf bytes.Buffer
	writeUint32LE(&buf, p.magic)
	buf.Write(cmdBuf[:])
	writeUint32LE(&buf, uint32(len(payload)))
	buf.Write(sum2[:4])
	buf.Write(payload)

	_, err := conn.Write(buf.Bytes())
	return err
}

// handleInv scans an inv payload for block-type entries; returns true if at
// least one was found.
func (p *p2pListener) handleInv(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	count, n, err := readVarInt(payload)
	if err != nil {
		return false
	}
	pos := n
	found := false
	for i := uint64(0); i < count; i++ {
		if pos+4+p2pInvHashLen > len(payload) {
			break
		}
		invType := binary.LittleEndian.Uint32(payload[pos : pos+4])
		pos += 4 + p2pInvHashLen
		if invType == p2pInvTypeBlock {
			found = true
		}
	}
	return found
}

func readVarInt(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("empty varint")
	}
	switch {
	case b[0] < 0xfd:
		return uint64(b[0]), 1, nil
	case b[0] == 0xfd:
		if len(b) < 3 {
			return 0, 0, errors.New("short varint")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case b[0] == 0xfe:
		if len(b) < 5 {
			return 0, 0, errors.New("short varint")
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	default:
		if len(b) < 9 {
			return 0, 0, errors.New("short varint")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	}
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
