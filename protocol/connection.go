package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
	"github.com/ha1tch/aul/pkg/log"
	"github.com/ha1tch/aul/tds"
)

// State is the connection's position in the handshake state machine of §4.D.
type State int

const (
	StateStart State = iota
	StateSentPrelogin
	StateTLSHandshakeStarted
	StateTLSHandshakeComplete
	StateSentLogin
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSentPrelogin:
		return "sentPrelogin"
	case StateTLSHandshakeStarted:
		return "tlsHandshakeStarted"
	case StateTLSHandshakeComplete:
		return "tlsHandshakeComplete"
	case StateSentLogin:
		return "sentLogin"
	case StateLoggedIn:
		return "loggedIn"
	default:
		return "unknown"
	}
}

// Connection is a single client-direction TDS connection: it owns the wire
// (tds.Conn), the handshake state machine, the request pipeline, and
// per-connection session state (transaction descriptor, session-state and
// data-classification snapshots). Not safe to use from the loop goroutine
// and an external goroutine simultaneously except through the exported
// methods, which post work onto the loop via the pipeline.
type Connection struct {
	cfg    Config
	lg     *log.Logger
	tconn  *tds.Conn

	mu                  sync.Mutex
	state               State
	txDescriptor        uint64
	requestCount        uint32
	sessionState        []tds.SessionStateEntry
	dataClassification  *tds.RawToken
	closed              bool

	// loginFuture coalesces concurrent Login() calls at the connection
	// layer (independent of the pipeline's own queue-level coalescing, per
	// the design note that both layers are required).
	loginFuture chan struct{}
	loginErr    error

	pipe      *pipeline
	ring      *tokenRing
	watchdog  *stallWatchdog
	ref       *pipelineRef
}

// Connect dials addr, negotiates PRELOGIN (and TLS, if cfg.Encrypt requests
// it), and returns a Connection positioned at StateTLSHandshakeComplete
// (whether or not TLS was negotiated), ready for Login.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Host == "" {
		return nil, tdserr.InvalidArgument("Host", "must not be empty").Err()
	}

	dialer := net.Dialer{}
	if cfg.DialTimeoutMS > 0 {
		dialer.Timeout = time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, tdserr.TransientError(err.Error()).WithCause(err).Err()
	}

	return ConnectOverConn(ctx, netConn, cfg)
}

// ConnectOverConn runs the PRELOGIN (and, if negotiated, TLS) handshake over
// an already-established net.Conn. Connect uses this after dialing; tests
// use it directly with a net.Pipe() half to drive a fake server.
func ConnectOverConn(ctx context.Context, netConn net.Conn, cfg Config) (*Connection, error) {
	packetSize := cfg.PacketSize
	if packetSize == 0 {
		packetSize = tds.DefaultPacketSize
	}

	c := &Connection{
		cfg:   cfg,
		lg:    log.Default(),
		tconn: tds.NewConn(netConn, tds.WithPacketSize(packetSize)),
		ring:  newTokenRing(cfg.TokenRingSize),
		pipe:  newPipeline(),
	}
	c.ref = newPipelineRef(c.pipe)
	c.watchdog = newStallWatchdog(c.ref, c)

	if err := c.handshakePrelogin(); err != nil {
		netConn.Close()
		return nil, err
	}

	go c.runLoop()
	go c.watchdog.run()

	return c, nil
}

func (c *Connection) logger() *log.Logger { return c.lg }

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current handshake state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// checkLegalOutbound enforces the §4.D transition table for packet types a
// caller submits directly (SQLBATCH, RPC, ATTENTION all require loggedIn;
// LOGIN7 requires tlsHandshakeComplete).
func (c *Connection) checkLegalOutbound(pkt tds.PacketType) error {
	st := c.State()
	switch pkt {
	case tds.PacketLogin7:
		if st != StateTLSHandshakeComplete {
			return tdserr.ProtocolState(st.String(), pkt.String()).Err()
		}
	case tds.PacketSQLBatch, tds.PacketRPCRequest, tds.PacketAttention:
		if st != StateLoggedIn {
			return tdserr.ProtocolState(st.String(), pkt.String()).Err()
		}
	}
	return nil
}

// handshakePrelogin performs the PRELOGIN exchange and, if negotiated,
// the TLS upgrade, leaving the connection ready for Login.
func (c *Connection) handshakePrelogin() error {
	req := &tds.PreloginRequest{
		Version:    [6]byte{1, 0, 0, 0, 0, 0},
		Encryption: c.requestedEncryption(),
		MARS:       0,
	}
	data := req.Encode()
	if err := c.tconn.WritePacket(tds.PacketPrelogin, data); err != nil {
		return tdserr.ProtocolFraming(err.Error()).WithCause(err).Err()
	}
	c.setState(StateSentPrelogin)

	pktType, respData, err := c.tconn.ReadPacket()
	if err != nil {
		return tdserr.ProtocolFraming(err.Error()).WithCause(err).Err()
	}
	if pktType != tds.PacketReply && pktType != tds.PacketPrelogin {
		return tdserr.ProtocolError(fmt.Sprintf("unexpected packet type %s for PRELOGIN response", pktType)).Err()
	}
	resp, err := tds.ParsePreloginResponse(respData)
	if err != nil {
		return tdserr.ProtocolError(err.Error()).WithCause(err).Err()
	}

	c.lg.Connection().Info("PRELOGIN negotiated", "encryption", resp.Encryption, "server_version", fmt.Sprintf("%d.%d.%d", resp.Version.Major, resp.Version.Minor, resp.Version.Build))

	wantsTLS := resp.Encryption == tds.EncryptOn || resp.Encryption == tds.EncryptReq
	if cfgRequiresEncryption(c.cfg.Encrypt) && resp.Encryption == tds.EncryptNotSup {
		return tdserr.ProtocolError("server does not support encryption but it was required").Err()
	}

	if wantsTLS {
		c.setState(StateTLSHandshakeStarted)
		tlsCfg := (&tds.TLSConfig{
			ServerName:             serverNameOrHost(c.cfg),
			TrustServerCertificate: c.cfg.TrustServerCertificate,
			MinVersion:             tls.VersionTLS12,
		}).Build()
		if err := c.tconn.UpgradeToTLS(tlsCfg); err != nil {
			return tdserr.ProtocolError(err.Error()).WithCause(err).Err()
		}
		c.lg.Connection().Info("TLS handshake complete")
	}
	c.setState(StateTLSHandshakeComplete)
	return nil
}

func (c *Connection) requestedEncryption() uint8 {
	switch c.cfg.Encrypt {
	case EncryptDisable:
		return tds.EncryptNotSup
	case EncryptStrict:
		return tds.EncryptStrict
	default:
		return tds.EncryptOn
	}
}

func cfgRequiresEncryption(mode EncryptMode) bool {
	return mode == EncryptFull || mode == EncryptLoginOnly || mode == EncryptStrict
}

func serverNameOrHost(cfg Config) string {
	if cfg.ServerName != "" {
		return cfg.ServerName
	}
	return cfg.Host
}

// Login sends LOGIN7 and blocks until LOGINACK and the final DONE arrive.
// Concurrent Login calls on the same Connection coalesce onto one future:
// only the first caller's LOGIN7 goes on the wire.
func (c *Connection) Login(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateLoggedIn {
		c.mu.Unlock()
		return nil
	}
	if c.loginFuture != nil {
		future := c.loginFuture
		c.mu.Unlock()
		<-future
		return c.loginErr
	}
	future := make(chan struct{})
	c.loginFuture = future
	c.mu.Unlock()

	err := c.doLogin(ctx)

	c.mu.Lock()
	c.loginErr = err
	c.mu.Unlock()
	close(future)
	return err
}

func (c *Connection) doLogin(ctx context.Context) error {
	if err := c.checkLegalOutbound(tds.PacketLogin7); err != nil {
		return err
	}

	login := &tds.Login7Request{
		TDSVersion:    tds.VerTDS74,
		PacketSize:    uint32(c.tconn.PacketSize()),
		ClientProgVer: 0x01000000,
		ClientPID:     uint32(0xABCD),
		ClientLCID:    0x00000409,
		HostName:      hostnameOrDefault(),
		UserName:      c.cfg.User,
		Password:      c.cfg.Password,
		AppName:       c.cfg.AppName,
		ServerName:    c.cfg.Host,
		CtlIntName:    "ODBC",
		Database:      c.cfg.Database,
	}
	payload, err := login.Encode()
	if err != nil {
		return tdserr.ProtocolError(err.Error()).WithCause(err).Err()
	}

	req := newRequest(payload)
	req.isLogin = true
	c.submitRequest(tds.PacketLogin7, req)

	result, err := req.wait()
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return tdserr.AuthenticationFailed(err.Error()).WithCause(err).Err()
	}

	c.setState(StateLoggedIn)
	c.lg.Connection().Info("login complete", "database", c.cfg.Database, "user", c.cfg.User)
	return nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// submitRequest attaches pkt to req and hands it to the pipeline, after
// validating the state machine allows it.
func (c *Connection) submitRequest(pkt tds.PacketType, req *request) {
	req.packetType = pkt
	if err := c.checkLegalOutbound(pkt); err != nil {
		req.settle(nil, err)
		return
	}
	c.pipe.submit(req)
}

// Query executes ad-hoc SQL text as a SQLBATCH and waits for completion.
func (c *Connection) Query(ctx context.Context, text string) (*Result, error) {
	batch := &tds.SQLBatchRequest{
		Text:                    text,
		TransactionDescriptor:   c.TransactionDescriptor(),
		OutstandingRequestCount: c.RequestCount() + 1,
	}
	req := newRequest(batch.Encode())
	c.submitRequest(tds.PacketSQLBatch, req)
	return req.wait()
}

// Exec executes ad-hoc SQL text and returns only the affected-row count and
// any output parameters, discarding row data.
func (c *Connection) Exec(ctx context.Context, text string) (*ExecResult, error) {
	res, err := c.Query(ctx, text)
	if err != nil {
		return nil, err
	}
	return &ExecResult{RowsAffected: res.RowsAffected(), ReturnStatus: res.ReturnStatus, OutputParams: res.OutputParams}, nil
}

// RPC invokes a stored procedure (or sp_executesql via tds.ExecuteSQL-shaped
// callers) and waits for completion.
func (c *Connection) RPC(ctx context.Context, name string, params []tds.RPCParam) (*Result, error) {
	rpcReq := &tds.RPCRequest{
		ProcName:                name,
		Params:                  params,
		TransactionDescriptor:   c.TransactionDescriptor(),
		OutstandingRequestCount: c.RequestCount() + 1,
		Compat:                  c.cfg.Compat,
	}
	payload, err := rpcReq.Encode()
	if err != nil {
		return nil, tdserr.ProtocolError(err.Error()).WithCause(err).Err()
	}
	req := newRequest(payload)
	c.submitRequest(tds.PacketRPCRequest, req)
	return req.wait()
}

// QueryStream is the streaming variant of Query: rows arrive on the
// returned RowStream's Events channel as the server emits them, and
// cancelling the stream sends a best-effort ATTENTION.
func (c *Connection) QueryStream(ctx context.Context, text string) (*RowStream, error) {
	batch := &tds.SQLBatchRequest{
		Text:                    text,
		TransactionDescriptor:   c.TransactionDescriptor(),
		OutstandingRequestCount: c.RequestCount() + 1,
	}
	req := newRequest(batch.Encode())
	req.streaming = true
	req.events = make(chan StreamEvent, 16)
	c.submitRequest(tds.PacketSQLBatch, req)

	cancelled := false
	var cancelMu sync.Mutex
	stream := &RowStream{
		Events: req.events,
		cancel: func() {
			cancelMu.Lock()
			already := cancelled
			cancelled = true
			cancelMu.Unlock()
			if !already {
				_ = c.SendAttention()
			}
		},
	}
	return stream, nil
}

// SendAttention writes an out-of-band ATTENTION packet to cancel the
// in-flight request, per §4.C. Best-effort: see DESIGN.md for the current
// limitation around preempting a read blocked mid-multi-packet-message.
func (c *Connection) SendAttention() error {
	if c.State() != StateLoggedIn {
		return tdserr.ProtocolState(c.State().String(), "ATTENTION").Err()
	}
	return c.tconn.SendAttention()
}

// FailActiveRequestTimeout settles the current head request with a timeout
// error without closing the connection (§4.E/§7: a stall-induced timeout
// must be `timeout`, not `connection-closed`).
func (c *Connection) FailActiveRequestTimeout() {
	c.failActiveRequestTimeout()
}

func (c *Connection) failActiveRequestTimeout() {
	c.pipe.completeHead(nil, tdserr.TimeoutErr("request").Err())
}

// Close tears down the connection: stops the watchdog, fails every queued
// and in-flight request with connection-closed, and closes the socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.watchdog.Stop()
	c.pipe.failAll(tdserr.ConnectionClosed("closed by caller").Err())
	return c.tconn.Close()
}

// TransactionDescriptor returns the current 8-byte transaction descriptor
// (all-zero when not inside a transaction).
func (c *Connection) TransactionDescriptor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txDescriptor
}

// RequestCount returns the outstanding-request counter embedded in
// ALL_HEADERS, incremented each time a request reaches the head of the
// queue.
func (c *Connection) RequestCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// SnapshotSessionState returns the most recent SESSIONSTATE entries.
func (c *Connection) SnapshotSessionState() []tds.SessionStateEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tds.SessionStateEntry(nil), c.sessionState...)
}

// SnapshotDataClassification returns the most recent DATACLASSIFICATION
// token payload, or nil if the server has never sent one (this client does
// not request the feature, so in practice this is always nil — kept for
// grammar completeness per §4.B).
func (c *Connection) SnapshotDataClassification() *tds.RawToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataClassification
}

// TokenTrace returns the diagnostic token-kind ring, oldest first.
func (c *Connection) TokenTrace() []string {
	return c.ring.snapshot()
}

// runLoop is the connection's single cooperative event-loop goroutine: it
// owns wire I/O end to end and is the only goroutine that calls
// c.tconn.WritePacket/ReadPacket for request/response traffic.
func (c *Connection) runLoop() {
	for {
		req, ok := c.pipe.nextHead()
		if !ok {
			return
		}

		c.mu.Lock()
		c.requestCount++
		c.mu.Unlock()

		result, err := c.executeHead(req)
		c.pipe.completeHead(result, err)
	}
}

// executeHead writes req's payload and reads the server's reply tokens to
// completion, updating connection state (ENVCHANGE, LOGINACK) as it goes
// and feeding data tokens into a collector (or, for a streaming request,
// directly onto req.events).
func (c *Connection) executeHead(req *request) (*Result, error) {
	if err := c.tconn.WritePacket(req.packetType, req.payload); err != nil {
		return nil, tdserr.ProtocolFraming(err.Error()).WithCause(err).Err()
	}

	parser := tds.NewParser()
	coll := newCollector()

	for {
		_, data, err := c.tconn.ReadPacket()
		if err != nil {
			return nil, tdserr.ConnectionClosed(err.Error()).WithCause(err).Err()
		}

		pos := 0
		for {
			tok, err := parser.Next(data, &pos)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, tdserr.ProtocolError(err.Error()).WithCause(err).Err()
			}
			c.pipe.markTokenSeen()
			c.observeToken(tok)
			if ec, ok := tok.(*tds.EnvChangeToken); ok && ec.Type == tds.EnvRouting {
				return nil, tdserr.TransientError("server sent a ROUTING envchange; reconnect to the routed target").Err()
			}

			if req.streaming {
				if done := c.emitStreamEvent(req, tok); done {
					return &coll.result, nil
				}
				continue
			}

			if final := coll.feed(tok); final {
				return &coll.result, nil
			}
		}
	}
}

// observeToken applies the connection-state side effects of a decoded
// token (ENVCHANGE transaction/database/packet-size/routing changes,
// SESSIONSTATE/DATACLASSIFICATION snapshots) and records it in the
// diagnostic token ring.
func (c *Connection) observeToken(tok interface{}) {
	switch t := tok.(type) {
	case []tds.Column:
		c.ring.push("COLMETADATA")
	case tds.Row:
		c.ring.push("ROW")
	case *tds.DoneToken:
		c.ring.push(t.Kind.String())
	case *tds.WireError:
		c.ring.push("ERROR/INFO")
	case *tds.EnvChangeToken:
		c.ring.push("ENVCHANGE")
		c.applyEnvChange(t)
	case *tds.LoginAckToken:
		c.ring.push("LOGINACK")
	case *tds.ReturnValueToken:
		c.ring.push("RETURNVALUE")
	case []tds.SessionStateEntry:
		c.ring.push("SESSIONSTATE")
		c.mu.Lock()
		c.sessionState = t
		c.mu.Unlock()
	case *tds.RawToken:
		c.ring.push(t.Kind.String())
		if t.Kind == tds.TokenDataClassif {
			c.mu.Lock()
			c.dataClassification = t
			c.mu.Unlock()
		}
	}
}

func (c *Connection) applyEnvChange(ec *tds.EnvChangeToken) {
	switch ec.Type {
	case tds.EnvBeginTran, tds.EnvCommitTran, tds.EnvRollbackTran:
		if len(ec.NewValue) >= 8 {
			c.mu.Lock()
			var desc uint64
			for i := 0; i < 8; i++ {
				desc |= uint64(ec.NewValue[i]) << (8 * uint(i))
			}
			c.txDescriptor = desc
			c.mu.Unlock()
		}
	case tds.EnvPacketSize:
		if size, ok := parseUCS2Int(ec.NewValue); ok {
			c.tconn.SetPacketSize(size)
		}
	case tds.EnvDatabase:
		c.mu.Lock()
		c.cfg.Database = decodeUCS2Field(ec.NewValue)
		c.mu.Unlock()
	case tds.EnvRouting:
		// A ROUTING envchange means the server wants the client to
		// reconnect elsewhere; executeHead fails the request with a
		// transient error when it sees one, so caller retry logic can
		// redirect, per §4.D.
		c.lg.Connection().Warn("server sent ROUTING envchange; caller should reconnect to the new target")
	}
}

func parseUCS2Int(b []byte) (int, bool) {
	s := decodeUCS2Field(b)
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func decodeUCS2Field(b []byte) string {
	runes := make([]rune, len(b)/2)
	for i := range runes {
		runes[i] = rune(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return string(runes)
}

// emitStreamEvent converts one decoded token into a StreamEvent on
// req.events, returning true once the terminal DONE has been delivered.
func (c *Connection) emitStreamEvent(req *request, tok interface{}) bool {
	switch t := tok.(type) {
	case []tds.Column:
		req.events <- StreamEvent{Kind: StreamMetadata, Columns: t}
	case tds.Row:
		req.events <- StreamEvent{Kind: StreamRow, Row: t}
	case *tds.DoneToken:
		req.events <- StreamEvent{Kind: StreamDone, Done: t}
		return (t.Kind == tds.TokenDone || t.Kind == tds.TokenDoneProc) && !t.More()
	case *tds.WireError:
		kind := MessageInfo
		if !t.IsInfo {
			kind = MessageError
		}
		msg := Message{Kind: kind, Error: t}
		req.events <- StreamEvent{Kind: StreamMessage, Message: &msg}
	}
	return false
}
