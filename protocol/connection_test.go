package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
	"github.com/ha1tch/aul/protocol/tdstest"
	"github.com/ha1tch/aul/tds"
)

func TestCheckLegalOutboundEnforcesStateMachine(t *testing.T) {
	c := &Connection{}

	c.setState(StateStart)
	if err := c.checkLegalOutbound(tds.PacketSQLBatch); tdserr.GetKind(err) != tdserr.KindProtocolError {
		t.Fatalf("expected protocol-state error for SQLBatch before login, got %v", err)
	}

	c.setState(StateTLSHandshakeComplete)
	if err := c.checkLegalOutbound(tds.PacketLogin7); err != nil {
		t.Fatalf("expected LOGIN7 to be legal once TLS handshake is complete, got %v", err)
	}

	c.setState(StateLoggedIn)
	for _, pkt := range []tds.PacketType{tds.PacketSQLBatch, tds.PacketRPCRequest, tds.PacketAttention} {
		if err := c.checkLegalOutbound(pkt); err != nil {
			t.Errorf("expected %v to be legal once logged in, got %v", pkt, err)
		}
	}

	c.setState(StateSentLogin)
	if err := c.checkLegalOutbound(tds.PacketAttention); tdserr.GetKind(err) != tdserr.KindProtocolError {
		t.Errorf("expected ATTENTION before login completes to be illegal, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStart:                "start",
		StateSentPrelogin:         "sentPrelogin",
		StateTLSHandshakeStarted:  "tlsHandshakeStarted",
		StateTLSHandshakeComplete: "tlsHandshakeComplete",
		StateSentLogin:            "sentLogin",
		StateLoggedIn:             "loggedIn",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestApplyEnvChangeUpdatesTransactionDescriptor(t *testing.T) {
	c := &Connection{}
	ec := &tds.EnvChangeToken{
		Type:     tds.EnvBeginTran,
		NewValue: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	c.applyEnvChange(ec)

	want := uint64(0x0807060504030201)
	if got := c.TransactionDescriptor(); got != want {
		t.Errorf("expected transaction descriptor %#x, got %#x", want, got)
	}
}

// A real SQL Server ends an RPC call with DONEPROC, not DONE. RPC must
// recognize DONEPROC as terminal or a call hangs waiting for a token that
// never arrives.
func TestRPCCompletesOnDoneProc(t *testing.T) {
	clientNet, serverNet := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		srv := tdstest.NewServer(serverNet)
		if err := srv.HandlePreloginAndLogin(); err != nil {
			errCh <- err
			return
		}
		cols := []tds.Column{{Name: "id", Type: tds.TypeIntN}}
		errCh <- srv.RespondToRPCWithRows(cols, [][]interface{}{{int32(1)}}, 1)
	}()

	conn, err := ConnectOverConn(context.Background(), clientNet, DefaultConfig())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := conn.Login(context.Background()); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := conn.RPC(context.Background(), "dbo.MyProc", nil); err != nil {
			t.Errorf("RPC failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RPC did not complete after a DONEPROC token; completion check must be stuck on DONE only")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("fake server error: %v", err)
	}
}
