package protocol

import (
	"github.com/ha1tch/aul/tds"
)

// MessageKind discriminates the Messages collected in a Result.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageError
)

// Message is a decoded INFO or ERROR token, kept in arrival order alongside
// rows and DONEs so callers can see server diagnostics interleaved with data.
type Message struct {
	Kind  MessageKind
	Error *tds.WireError
}

// Result is the assembled outcome of a non-streaming request: every row,
// every DONE/DONEPROC/DONEINPROC, and every INFO/ERROR message the server
// sent, plus any output parameters a RETURNVALUE token carried.
type Result struct {
	Columns      []tds.Column
	Rows         []tds.Row
	Done         []*tds.DoneToken
	Messages     []Message
	ReturnStatus *int32
	OutputParams map[string]interface{}
}

// RowsAffected sums the row counts of every DONE that carries one, which is
// how SQL Server reports affected-row counts for multi-statement batches.
func (r *Result) RowsAffected() uint64 {
	var total uint64
	for _, d := range r.Done {
		if d.HasRowCount() {
			total += d.RowCount
		}
	}
	return total
}

// Err returns the first ERROR-class message as an error, or nil.
func (r *Result) Err() error {
	for _, m := range r.Messages {
		if m.Kind == MessageError {
			return m.Error
		}
	}
	return nil
}

// ScalarResult returns the first column of the first row in Rows, or nil if
// there are no rows. Rows holds the rows of every result set in arrival
// order, so when the first result set has no rows the value comes from a
// later one.
func (r *Result) ScalarResult() interface{} {
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return nil
	}
	return r.Rows[0][0]
}

// ExecResult is the outcome of Exec: just the affected-row count and any
// output parameters, without retaining row data.
type ExecResult struct {
	RowsAffected uint64
	ReturnStatus *int32
	OutputParams map[string]interface{}
}

// StreamEventKind discriminates events delivered on a RowStream.
type StreamEventKind int

const (
	StreamMetadata StreamEventKind = iota
	StreamRow
	StreamDone
	StreamMessage
)

// StreamEvent is one item of a streaming request's event sequence.
type StreamEvent struct {
	Kind     StreamEventKind
	Columns  []tds.Column
	Row      tds.Row
	Done     *tds.DoneToken
	Message  *Message
	Err      error
}

// RowStream is the lazy, channel-based variant of Result: events arrive as
// the server emits tokens, in wire order. Calling Cancel triggers a
// best-effort ATTENTION per §4.H. A stream abandoned without Cancel is not
// detected: no ATTENTION is sent, and once the Events buffer is full the
// connection's loop blocks until the events are read.
type RowStream struct {
	Events <-chan StreamEvent
	cancel func()
}

// Cancel requests the in-flight request be attention-cancelled. Safe to call
// more than once or after the stream has already completed.
func (s *RowStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// collector accumulates tokens from a Parser into a Result for the
// non-streaming Query/Exec/RPC paths; the streaming path builds its
// StreamEvents in Connection.emitStreamEvent instead.
type collector struct {
	result Result
}

func newCollector() *collector {
	return &collector{}
}

// feed applies one decoded token (as returned by tds.Parser.Next) to the
// accumulating Result. Returns true once a final DONE or DONEPROC (no
// DoneMore bit) has been seen, signalling request completion — DONEINPROC
// only separates result sets within one batch and never ends the request.
func (c *collector) feed(tok interface{}) (final bool) {
	switch t := tok.(type) {
	case []tds.Column:
		c.result.Columns = t
	case tds.Row:
		c.result.Rows = append(c.result.Rows, t)
	case *tds.DoneToken:
		c.result.Done = append(c.result.Done, t)
		if (t.Kind == tds.TokenDone || t.Kind == tds.TokenDoneProc) && !t.More() {
			return true
		}
	case *tds.WireError:
		kind := MessageInfo
		if !t.IsInfo {
			kind = MessageError
		}
		c.result.Messages = append(c.result.Messages, Message{Kind: kind, Error: t})
	case int32:
		v := t
		c.result.ReturnStatus = &v
	case *tds.ReturnValueToken:
		if c.result.OutputParams == nil {
			c.result.OutputParams = make(map[string]interface{})
		}
		name := t.Name
		if len(name) > 0 && name[0] == '@' {
			name = name[1:]
		}
		c.result.OutputParams[name] = t.Value
	case *tds.EnvChangeToken, *tds.LoginAckToken, *tds.FeatureExtAckToken, []tds.SessionStateEntry, *tds.RawToken:
		// These carry connection state, not row data: Connection.observeToken
		// applies them before executeHead passes the token here, and the
		// Result keeps nothing from them.
	}
	return false
}
