package pool_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ha1tch/aul/pool"
	"github.com/ha1tch/aul/protocol"
	"github.com/ha1tch/aul/protocol/tdstest"
	"github.com/ha1tch/aul/tds"
)

// dialFakeConnection spins up an in-memory net.Pipe, drives the server side
// through a minimal PRELOGIN/LOGIN7 handshake via tdstest, and returns the
// resulting client-side protocol.Connection.
func dialFakeConnection(t *testing.T) (*protocol.Connection, error) {
	t.Helper()
	clientNet, serverNet := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		srv := tdstest.NewServer(serverNet)
		errCh <- srv.HandlePreloginAndLogin()
	}()

	conn, err := protocol.ConnectOverConn(context.Background(), clientNet, protocol.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := conn.Login(context.Background()); err != nil {
		return nil, err
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return conn, nil
}

func TestPoolCheckoutReleaseReusesIdleConnection(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrent = 2

	p := pool.New(cfg, func(ctx context.Context) (*protocol.Connection, error) {
		return dialFakeConnection(t)
	})

	lease1, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout 1 failed: %v", err)
	}
	first := lease1.Conn()
	lease1.Release(false)

	lease2, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout 2 failed: %v", err)
	}
	if lease2.Conn() != first {
		t.Error("expected the released connection to be reused (LIFO), got a different connection")
	}
	lease2.Release(false)
}

func TestPoolCheckoutBlocksAtMaxConcurrent(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrent = 1

	p := pool.New(cfg, func(ctx context.Context) (*protocol.Connection, error) {
		return dialFakeConnection(t)
	})

	lease1, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout 1 failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); err == nil {
		t.Error("expected second checkout to block and time out while the pool is at capacity")
	}

	lease1.Release(false)
}

func TestPoolShutdownGracefullyRejectsLaterCheckouts(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrent = 1

	p := pool.New(cfg, func(ctx context.Context) (*protocol.Connection, error) {
		return dialFakeConnection(t)
	})

	lease, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	lease.Release(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.ShutdownGracefully(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if _, err := p.Checkout(context.Background()); err == nil {
		t.Error("expected checkout after shutdown to fail with pool-closed")
	}
}

func TestPoolQueryRoundTrip(t *testing.T) {
	clientNet, serverNet := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		srv := tdstest.NewServer(serverNet)
		if err := srv.HandlePreloginAndLogin(); err != nil {
			errCh <- err
			return
		}
		cols := []tds.Column{{Name: "id", Type: tds.TypeIntN}}
		errCh <- srv.RespondWithRows(cols, [][]interface{}{{int32(7)}}, 1)
	}()

	conn, err := protocol.ConnectOverConn(context.Background(), clientNet, protocol.DefaultConfig())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := conn.Login(context.Background()); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	result, err := conn.Query(context.Background(), "SELECT id FROM t")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("fake server error: %v", err)
	}

	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	if v, ok := result.Rows[0][0].(int64); !ok || v != 7 {
		t.Errorf("expected row value int64(7), got %#v", result.Rows[0][0])
	}
	if got := result.RowsAffected(); got != 1 {
		t.Errorf("expected RowsAffected 1, got %d", got)
	}
}
