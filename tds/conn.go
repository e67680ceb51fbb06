package tds

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is a low-level TDS connection to a SQL Server instance. It owns
// packet framing and the read/write buffers; it has no knowledge of LOGIN7
// state, token grammar, or query semantics — those live in the protocol
// package, which drives a Conn.
type Conn struct {
	mu         sync.Mutex
	netConn    net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	packetSize int
	spid       uint16
	packetSeq  uint8

	// tlsConn is set once UpgradeToTLS completes.
	tlsConn *tls.Conn

	tdsVersion uint32

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// ConnOption configures a TDS connection.
type ConnOption func(*Conn)

// WithPacketSize sets the TDS packet size used for outgoing packets.
func WithPacketSize(size int) ConnOption {
	return func(c *Conn) {
		if size >= MinPacketSize && size <= MaxPacketSize {
			c.packetSize = size
		}
	}
}

// WithReadTimeout sets the per-read deadline applied before each packet read.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.readTimeout = d
	}
}

// WithWriteTimeout sets the per-write deadline applied before each packet write.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

// NewConn wraps a net.Conn (already dialed to the server) as a TDS connection.
func NewConn(netConn net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		netConn:    netConn,
		reader:     bufio.NewReaderSize(netConn, MaxPacketSize),
		writer:     bufio.NewWriterSize(netConn, MaxPacketSize),
		packetSize: DefaultPacketSize,
		spid:       0,
		packetSeq:  1,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NetConn returns the underlying net.Conn.
func (c *Conn) NetConn() net.Conn {
	return c.netConn
}

// SPID returns the server process ID last recorded with setSPID, or 0 if
// none has been; WritePacket stamps it on every outgoing header. The
// LOGIN7/LOGINACK exchange does not record one.
func (c *Conn) SPID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spid
}

// setSPID records the SPID echoed back by the server.
func (c *Conn) setSPID(spid uint16) {
	c.mu.Lock()
	c.spid = spid
	c.mu.Unlock()
}

// PacketSize returns the currently negotiated packet size.
func (c *Conn) PacketSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packetSize
}

// SetPacketSize updates the packet size, typically after an ENVCHANGE
// packet-size notification from the server.
func (c *Conn) SetPacketSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size >= MinPacketSize && size <= MaxPacketSize {
		c.packetSize = size
	}
}

// TDSVersion returns the negotiated TDS version.
func (c *Conn) TDSVersion() uint32 {
	return c.tdsVersion
}

// SetTDSVersion records the TDS version negotiated during LOGIN7/LOGINACK.
func (c *Conn) SetTDSVersion(ver uint32) {
	c.tdsVersion = ver
}

// RemoteAddr returns the server's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// LocalAddr returns the client's local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ReadPacket reads one complete TDS message, reassembling it from however
// many wire packets the server split it across.
func (c *Conn) ReadPacket() (PacketType, []byte, error) {
	pktType, _, data, err := c.ReadPacketWithStatus()
	return pktType, data, err
}

// ReadPacketWithStatus is like ReadPacket but also returns the status byte
// of the first packet in the message (callers rarely need this; it exists
// for symmetry with the framing contract in the wire spec).
func (c *Conn) ReadPacketWithStatus() (PacketType, PacketStatus, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	hdr, err := ReadHeader(c.reader)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("reading packet header: %w", err)
	}

	status := hdr.Status

	if hdr.Length < HeaderSize {
		return 0, 0, nil, fmt.Errorf("invalid packet length: %d", hdr.Length)
	}
	if hdr.Length > uint16(c.packetSize) {
		return 0, 0, nil, fmt.Errorf("packet too large: %d > %d", hdr.Length, c.packetSize)
	}

	var data []byte
	payloadLen := hdr.PayloadLength()
	if payloadLen > 0 {
		data = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.reader, data); err != nil {
			return 0, 0, nil, fmt.Errorf("reading packet payload: %w", err)
		}
	}

	for !hdr.IsLastPacket() {
		if c.readTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		hdr, err = ReadHeader(c.reader)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("reading continuation header: %w", err)
		}

		payloadLen = hdr.PayloadLength()
		if payloadLen > 0 {
			chunk := make([]byte, payloadLen)
			if _, err := io.ReadFull(c.reader, chunk); err != nil {
				return 0, 0, nil, fmt.Errorf("reading continuation payload: %w", err)
			}
			data = append(data, chunk...)
		}
	}

	return hdr.Type, status, data, nil
}

// WritePacket writes one logical TDS message, splitting it into multiple
// wire packets of at most packetSize bytes as needed. The packet sequence
// number increments per chunk and wraps from 255 back to 1, never emitting 0.
func (c *Conn) WritePacket(pktType PacketType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	maxPayload := c.packetSize - HeaderSize
	remaining := data

	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := StatusNormal
		if isLast {
			status = StatusEOM
		}

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     c.spid,
			PacketID: c.packetSeq,
			Window:   0,
		}

		if err := hdr.Write(c.writer); err != nil {
			return fmt.Errorf("writing packet header: %w", err)
		}
		if _, err := c.writer.Write(chunk); err != nil {
			return fmt.Errorf("writing packet data: %w", err)
		}

		c.packetSeq++
		if c.packetSeq == 0 {
			c.packetSeq = 1
		}

		if isLast {
			break
		}
	}

	return c.writer.Flush()
}

// Flush flushes any buffered but unwritten data.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Flush()
}

// ResetPacketSequence resets the outgoing packet sequence number to 1. TDS
// requires this at the start of a new logical request.
func (c *Conn) ResetPacketSequence() {
	c.mu.Lock()
	c.packetSeq = 1
	c.mu.Unlock()
}
