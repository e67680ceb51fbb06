package protocol

import (
	"testing"

	"github.com/ha1tch/aul/tds"
)

func TestCollectorAssemblesResult(t *testing.T) {
	c := newCollector()

	cols := []tds.Column{{Name: "id", Type: tds.TypeIntN}}
	if final := c.feed(cols); final {
		t.Fatal("COLMETADATA should not be final")
	}

	row := tds.Row{int32(1)}
	if final := c.feed(row); final {
		t.Fatal("ROW should not be final")
	}

	info := &tds.WireError{Message: "informational", IsInfo: true}
	c.feed(info)

	rv := &tds.ReturnValueToken{Name: "@out", Value: "hello"}
	c.feed(rv)

	var status int32 = 0
	c.feed(status)

	done := &tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneCount, RowCount: 1}
	final := c.feed(done)
	if !final {
		t.Fatal("final DONE with no More bit should signal completion")
	}

	if len(c.result.Columns) != 1 || c.result.Columns[0].Name != "id" {
		t.Errorf("unexpected columns: %+v", c.result.Columns)
	}
	if len(c.result.Rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(c.result.Rows))
	}
	if len(c.result.Messages) != 1 || c.result.Messages[0].Kind != MessageInfo {
		t.Errorf("expected 1 info message, got %+v", c.result.Messages)
	}
	if c.result.OutputParams["out"] != "hello" {
		t.Errorf("expected output param 'out'='hello', got %+v", c.result.OutputParams)
	}
	if c.result.ReturnStatus == nil || *c.result.ReturnStatus != 0 {
		t.Errorf("expected return status 0, got %v", c.result.ReturnStatus)
	}
	if got := c.result.RowsAffected(); got != 1 {
		t.Errorf("expected RowsAffected 1, got %d", got)
	}
}

func TestCollectorDoneMoreDoesNotFinish(t *testing.T) {
	c := newCollector()
	more := &tds.DoneToken{Kind: tds.TokenDoneInProc, Status: tds.DoneMore}
	if final := c.feed(more); final {
		t.Fatal("a DONEINPROC with More set should not be final")
	}
	last := &tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneFinal}
	if final := c.feed(last); !final {
		t.Fatal("a terminal DONE should be final")
	}
}

func TestResultErrReturnsFirstErrorMessage(t *testing.T) {
	r := &Result{Messages: []Message{
		{Kind: MessageInfo, Error: &tds.WireError{Message: "info", IsInfo: true}},
		{Kind: MessageError, Error: &tds.WireError{Message: "boom"}},
	}}
	err := r.Err()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected 'boom', got %v", err)
	}
}

func TestResultScalarResult(t *testing.T) {
	empty := &Result{}
	if v := empty.ScalarResult(); v != nil {
		t.Errorf("expected nil scalar for empty result, got %v", v)
	}

	r := &Result{Rows: []tds.Row{{int32(42), "ignored"}}}
	if v := r.ScalarResult(); v != int32(42) {
		t.Errorf("expected 42, got %v", v)
	}
}
