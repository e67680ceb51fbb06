package tds

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// TLSConfig describes how this client should negotiate transport encryption.
// ServerName maps directly onto the crypto/tls field of the same name;
// TrustServerCertificate is the TDS-specific name, used throughout the
// Microsoft driver ecosystem, for crypto/tls's InsecureSkipVerify, which
// Build sets when it is true.
type TLSConfig struct {
	ServerName             string
	TrustServerCertificate bool
	MinVersion             uint16
	RootCAs                *tls.Config // optional: caller-supplied base config (cert pool, cipher suites)
}

// Build returns a *tls.Config reflecting this TLSConfig, layering ServerName
// and TrustServerCertificate on top of the caller-supplied RootCAs config if
// one was given.
func (t *TLSConfig) Build() *tls.Config {
	var cfg *tls.Config
	if t.RootCAs != nil {
		cfg = t.RootCAs.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}
	if t.TrustServerCertificate {
		cfg.InsecureSkipVerify = true
	}
	minVer := t.MinVersion
	if minVer == 0 {
		minVer = tls.VersionTLS12
	}
	cfg.MinVersion = minVer
	return cfg
}

// tdsTLSWrapConn adapts a Conn's underlying socket so that crypto/tls can
// drive a handshake whose records are tunneled inside TDS PRELOGIN packets,
// per the wire contract: "standard TLS 1.2+ handshake tunneled through TDS
// packets of type PRELOGIN until handshake completion." Because the client
// always initiates, there is no need to sniff the first byte the way a
// server-side acceptor would — the client simply always speaks the wrapped
// dialect until crypto/tls reports the handshake done, then the Conn swaps
// its reader/writer to the raw tls.Conn for the remainder of the session.
type tdsTLSWrapConn struct {
	conn    *Conn
	readBuf []byte
	readPos int
}

func newTDSTLSWrapConn(conn *Conn) *tdsTLSWrapConn {
	return &tdsTLSWrapConn{conn: conn}
}

// Read returns the next chunk of a TLS record, pulling it out of a TDS
// PRELOGIN-type packet read from the wire.
func (w *tdsTLSWrapConn) Read(b []byte) (int, error) {
	if w.readPos < len(w.readBuf) {
		n := copy(b, w.readBuf[w.readPos:])
		w.readPos += n
		return n, nil
	}

	pktType, data, err := w.conn.ReadPacket()
	if err != nil {
		return 0, fmt.Errorf("reading TDS packet during TLS handshake: %w", err)
	}
	if pktType != PacketPrelogin {
		return 0, fmt.Errorf("unexpected packet type %s during TLS handshake (expected PRELOGIN)", pktType)
	}

	w.readBuf = data
	w.readPos = 0
	n := copy(b, w.readBuf)
	w.readPos = n
	return n, nil
}

// Write wraps a TLS record in a TDS PRELOGIN-type packet.
func (w *tdsTLSWrapConn) Write(b []byte) (int, error) {
	if err := w.conn.WritePacket(PacketPrelogin, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *tdsTLSWrapConn) Close() error { return nil }

func (w *tdsTLSWrapConn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *tdsTLSWrapConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *tdsTLSWrapConn) SetDeadline(t time.Time) error {
	return w.conn.netConn.SetDeadline(t)
}
func (w *tdsTLSWrapConn) SetReadDeadline(t time.Time) error {
	return w.conn.netConn.SetReadDeadline(t)
}
func (w *tdsTLSWrapConn) SetWriteDeadline(t time.Time) error {
	return w.conn.netConn.SetWriteDeadline(t)
}

// switchableConn lets the Conn keep using the same net.Conn value across
// the handshake-to-raw transition: the value handed to tls.Client never
// changes identity, only what it forwards to underneath.
type switchableConn struct {
	inner io.ReadWriteCloser
	peer  net.Conn // for address/deadline delegation
}

func (s *switchableConn) Read(b []byte) (int, error)  { return s.inner.Read(b) }
func (s *switchableConn) Write(b []byte) (int, error) { return s.inner.Write(b) }
func (s *switchableConn) Close() error                { return s.inner.Close() }

func (s *switchableConn) LocalAddr() net.Addr                { return s.peer.LocalAddr() }
func (s *switchableConn) RemoteAddr() net.Addr               { return s.peer.RemoteAddr() }
func (s *switchableConn) SetDeadline(t time.Time) error      { return s.peer.SetDeadline(t) }
func (s *switchableConn) SetReadDeadline(t time.Time) error  { return s.peer.SetReadDeadline(t) }
func (s *switchableConn) SetWriteDeadline(t time.Time) error { return s.peer.SetWriteDeadline(t) }

// UpgradeToTLS performs the client side of the TDS TLS handshake: it tunnels
// the handshake through TDS PRELOGIN packets, then switches the Conn's
// reader/writer to the resulting raw tls.Conn for all subsequent traffic.
// Call this only after PRELOGIN negotiation indicates the server wants
// encryption (EncryptOn/EncryptReq/EncryptStrict).
func (c *Conn) UpgradeToTLS(cfg *tls.Config) error {
	wrap := newTDSTLSWrapConn(c)
	passthrough := &switchableConn{inner: wrap, peer: c.netConn}

	tlsConn := tls.Client(passthrough, cfg)

	c.netConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		c.netConn.SetDeadline(time.Time{})
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.netConn.SetDeadline(time.Time{})

	// Handshake complete: subsequent TLS records travel raw on the wire, so
	// point the passthrough straight at the network connection.
	passthrough.inner = c.netConn

	c.mu.Lock()
	c.tlsConn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, MaxPacketSize)
	c.writer = bufio.NewWriterSize(tlsConn, MaxPacketSize)
	c.mu.Unlock()

	return nil
}

// IsTLS reports whether the connection has completed a TLS upgrade.
func (c *Conn) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsConn != nil
}
