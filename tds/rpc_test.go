package tds

import (
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRPCRequestEncodeAllHeaders(t *testing.T) {
	req := &RPCRequest{ProcID: ProcIDExecuteSQL, TransactionDescriptor: 0x0102030405060708, OutstandingRequestCount: 3}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	totalLen := binary.LittleEndian.Uint32(buf[0:4])
	if totalLen != 22 {
		t.Errorf("ALL_HEADERS total length = %d, want 22", totalLen)
	}
	headerLen := binary.LittleEndian.Uint32(buf[4:8])
	if headerLen != 18 {
		t.Errorf("header length = %d, want 18", headerLen)
	}
	headerType := binary.LittleEndian.Uint16(buf[8:10])
	if headerType != 2 {
		t.Errorf("header type = %d, want 2 (TRANSACTION_DESCRIPTOR)", headerType)
	}
	txDescriptor := binary.LittleEndian.Uint64(buf[10:18])
	if txDescriptor != 0x0102030405060708 {
		t.Errorf("transaction descriptor = %#x, want %#x", txDescriptor, uint64(0x0102030405060708))
	}
	outstanding := binary.LittleEndian.Uint32(buf[18:22])
	if outstanding != 3 {
		t.Errorf("outstanding request count = %d, want 3", outstanding)
	}
}

func TestRPCRequestEncodeWellKnownProcID(t *testing.T) {
	req := &RPCRequest{ProcID: ProcIDExecuteSQL}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pos := 22 // past ALL_HEADERS
	if buf[pos] != 0xFF || buf[pos+1] != 0xFF {
		t.Fatalf("expected 0xFFFF proc-ID marker at offset %d, got %#x %#x", pos, buf[pos], buf[pos+1])
	}
	gotID := binary.LittleEndian.Uint16(buf[pos+2 : pos+4])
	if gotID != ProcIDExecuteSQL {
		t.Errorf("proc ID = %d, want %d", gotID, ProcIDExecuteSQL)
	}
}

func TestRPCRequestEncodeNamedProcedure(t *testing.T) {
	req := &RPCRequest{ProcName: "dbo.MyProc"}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pos := 22
	nameLen := binary.LittleEndian.Uint16(buf[pos : pos+2])
	if int(nameLen) != len("dbo.MyProc") {
		t.Fatalf("proc name length = %d, want %d", nameLen, len("dbo.MyProc"))
	}
	name := decodeUTF16(buf[pos+2 : pos+2+int(nameLen)*2])
	if name != "dbo.MyProc" {
		t.Errorf("proc name = %q, want %q", name, "dbo.MyProc")
	}
}

func TestRPCRequestEncodeIntParameterRoundTrips(t *testing.T) {
	req := &RPCRequest{
		ProcName: "GetByID",
		Params:   []RPCParam{{Name: "@id", Value: int64(42)}},
	}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pos := 22 + 2 + len("GetByID")*2 // ALL_HEADERS + proc name selector
	pos += 2                        // option flags

	nameLen := int(buf[pos])
	pos++
	name := decodeUTF16(buf[pos : pos+nameLen*2])
	if name != "@id" {
		t.Errorf("parameter name = %q, want %q", name, "@id")
	}
	pos += nameLen * 2

	status := buf[pos]
	pos++
	if status&ParamByRefValue != 0 {
		t.Error("expected an input parameter, got output flag set")
	}

	typ := SQLType(buf[pos])
	if typ != TypeIntN {
		t.Fatalf("parameter type = %s, want %s", typ, TypeIntN)
	}
	pos++
	maxLen := buf[pos]
	pos++
	if maxLen != 8 {
		t.Fatalf("INTN max length = %d, want 8 (int64 inferred)", maxLen)
	}
	actualLen := buf[pos]
	pos++
	if actualLen != 8 {
		t.Fatalf("INTN actual length = %d, want 8", actualLen)
	}
	value := int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
	if value != 42 {
		t.Errorf("parameter value = %d, want 42", value)
	}
}

func TestRPCRequestEncodeOutputParameterSetsByRefFlag(t *testing.T) {
	req := &RPCRequest{
		ProcName: "GetNextID",
		Params:   []RPCParam{{Name: "@nextID", Value: int64(0), Output: true}},
	}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pos := 22 + 2 + len("GetNextID")*2 + 2
	nameLen := int(buf[pos])
	pos += 1 + nameLen*2

	status := buf[pos]
	if status&ParamByRefValue == 0 {
		t.Error("expected ParamByRefValue set for an output parameter")
	}
}

func TestRPCRequestEncodeNilValueProducesNullMarker(t *testing.T) {
	req := &RPCRequest{ProcName: "sp_foo", Params: []RPCParam{{Name: "@s", Value: nil, Type: TypeNVarChar}}}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// TYPE_INFO for NVARCHAR is 1 (type byte) + 2 (max len) + 5 (collation) = 8 bytes.
	pos := 22 + 2 + len("sp_foo")*2 + 2 // ALL_HEADERS + proc name + options
	nameLen := int(buf[pos])
	pos += 1 + nameLen*2 // name
	pos++                // status
	pos += 8              // TYPE_INFO

	null := binary.LittleEndian.Uint16(buf[pos : pos+2])
	if null != 0xFFFF {
		t.Errorf("expected NVARCHAR NULL length marker 0xFFFF, got %#x", null)
	}
}

func TestRPCRequestEncodeDecimalParameter(t *testing.T) {
	d := decimal.RequireFromString("123.45")
	req := &RPCRequest{ProcName: "sp_price", Params: []RPCParam{{Name: "@price", Value: d}}}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(buf) == 0 {
		t.Fatal("expected non-empty encoded request")
	}
}

func TestRPCRequestEncodeParamNameASCIICompat(t *testing.T) {
	req := &RPCRequest{
		ProcName: "sp_foo",
		Params:   []RPCParam{{Name: "@n", Value: int64(1)}},
		Compat:   RPCCompat{ParamNameASCII: true},
	}
	buf, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pos := 22 + 2 + len("sp_foo")*2 + 2
	nameLen := int(buf[pos])
	if nameLen != len("@n") {
		t.Fatalf("ASCII parameter name length = %d, want %d", nameLen, len("@n"))
	}
	pos++
	if string(buf[pos:pos+nameLen]) != "@n" {
		t.Errorf("ASCII parameter name = %q, want %q", string(buf[pos:pos+nameLen]), "@n")
	}
}

func TestRPCRequestEncodeRejectsUnsupportedParamType(t *testing.T) {
	req := &RPCRequest{ProcName: "sp_foo", Params: []RPCParam{{Name: "@x", Value: struct{ X int }{1}, Type: SQLType(0xEE)}}}
	if _, err := req.Encode(); err == nil {
		t.Error("expected Encode to reject an unrecognized parameter type")
	}
}

func TestExecuteSQLBuildsExpectedParameterShape(t *testing.T) {
	req := ExecuteSQL("SELECT * FROM users WHERE id = @id", "@id int", RPCParam{Name: "@id", Value: int64(7)})
	if req.ProcID != ProcIDExecuteSQL {
		t.Errorf("ProcID = %d, want %d", req.ProcID, ProcIDExecuteSQL)
	}
	if len(req.Params) != 3 {
		t.Fatalf("len(Params) = %d, want 3 (stmt, paramDecl, @id)", len(req.Params))
	}
	if req.Params[0].Value != "SELECT * FROM users WHERE id = @id" {
		t.Errorf("first parameter should be the statement text, got %v", req.Params[0].Value)
	}
	if req.Params[1].Value != "@id int" {
		t.Errorf("second parameter should be the declaration string, got %v", req.Params[1].Value)
	}
	if req.Params[2].Name != "@id" {
		t.Errorf("third parameter should be the caller's argument, got name %q", req.Params[2].Name)
	}
}
