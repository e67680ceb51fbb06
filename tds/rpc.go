package tds

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Well-known stored procedure IDs, sent in place of a name when the proc
// name field carries 0xFFFF followed by the ID instead of a length-prefixed
// string. ExecuteSQL builds its request against ProcIDExecuteSQL
// (sp_executesql); Connection.Query/Exec take no parameters and always go
// out as SQLBATCH. The rest are recognized for completeness with servers
// that route through them.
const (
	ProcIDCursor         uint16 = 1
	ProcIDCursorOpen     uint16 = 2
	ProcIDCursorPrepare  uint16 = 3
	ProcIDCursorExecute  uint16 = 4
	ProcIDCursorPrepExec uint16 = 5
	ProcIDCursorUnprepare uint16 = 6
	ProcIDCursorFetch    uint16 = 7
	ProcIDCursorOption   uint16 = 8
	ProcIDCursorClose    uint16 = 9
	ProcIDExecuteSQL     uint16 = 10
	ProcIDPrepare        uint16 = 11
	ProcIDExecute        uint16 = 12
	ProcIDPrepExec       uint16 = 13
	ProcIDPrepExecRPC    uint16 = 14
	ProcIDUnprepare      uint16 = 15
)

// RPC option flags, status byte per parameter.
const (
	ParamByRefValue uint8 = 0x01
	ParamDefault    uint8 = 0x02
	ParamEncrypted  uint8 = 0x08
)

// RPC request option flags (the uint16 following the procedure identifier).
const (
	RPCOptionWithRecomp    uint16 = 0x0001
	RPCOptionNoMetadata    uint16 = 0x0002
	RPCOptionReuseMetadata uint16 = 0x0004
)

// RPCParam is one input or output parameter of an RPC request. Name should
// include the leading '@'; an empty Name sends the parameter positionally.
// If Type is zero, Encode infers a wire type from the Go value in Value.
type RPCParam struct {
	Name      string
	Value     interface{}
	Output    bool
	Type      SQLType
	Length    uint32
	Precision uint8
	Scale     uint8
	Collation []byte
}

// RPCRequest describes a client-issued RPC_REQUEST (PacketRPCRequest)
// message: either a named procedure (ProcName) or a well-known ID
// (ProcID, when ProcName is empty).
type RPCRequest struct {
	ProcName                string
	ProcID                  uint16
	Options                 uint16
	Params                  []RPCParam
	TransactionDescriptor   uint64
	OutstandingRequestCount uint32
	Compat                  RPCCompat
}

// RPCCompat holds the wire-format compatibility toggles a caller's Config
// may set, per the environment variables of the same name (uppercased,
// MSSQL_-prefixed).
type RPCCompat struct {
	// ProcNameMode selects how the procedure selector is encoded when
	// ProcName is set: 1 (default) = US_VARCHAR name; 2 = 0xFFFF +
	// B_VARCHAR; 3 = 0xFFFF + US_VARCHAR. Zero behaves as 1.
	ProcNameMode int
	// ParamNameASCII encodes parameter names as ASCII B_VARCHAR instead
	// of the default UTF-16LE.
	ParamNameASCII bool
	// DecTypeInfoScale places the DECIMAL/NUMERIC scale in TYPE_INFO
	// (the classic wire layout) instead of the default scale-in-VALUE
	// placement, where the scale byte precedes VALUE's length byte.
	DecTypeInfoScale bool
	// OutIntLen0 sends INTN output parameters with a zero ByteLen value
	// rather than echoing the declared width.
	OutIntLen0 bool
}

// ExecuteSQL builds an RPC request that invokes sp_executesql, the standard
// path for a parameterized query: @stmt is the T-SQL text, @params is the
// declaration string ("@p1 int, @p2 nvarchar(50)"), followed by the actual
// argument values in the same order.
func ExecuteSQL(stmt, paramDecl string, args ...RPCParam) *RPCRequest {
	params := make([]RPCParam, 0, len(args)+2)
	params = append(params, RPCParam{Value: stmt})
	if paramDecl != "" {
		params = append(params, RPCParam{Value: paramDecl})
	}
	params = append(params, args...)
	return &RPCRequest{ProcID: ProcIDExecuteSQL, Params: params}
}

// Encode serializes the RPC request: an ALL_HEADERS block (transaction
// descriptor + outstanding request count, mandatory since TDS 7.2), the
// procedure name or ID, the option flags, then each parameter's name,
// status byte, TYPE_INFO and value.
func (r *RPCRequest) Encode() ([]byte, error) {
	var buf []byte
	buf = append(buf, r.encodeAllHeaders()...)

	if r.ProcName != "" {
		buf = append(buf, encodeProcSelector(r.ProcName, r.Compat.ProcNameMode)...)
	} else {
		buf = append(buf, 0xFF, 0xFF)
		buf = append(buf, byte(r.ProcID), byte(r.ProcID>>8))
	}

	buf = append(buf, byte(r.Options), byte(r.Options>>8))

	for i := range r.Params {
		encoded, err := encodeRPCParam(&r.Params[i], r.Compat)
		if err != nil {
			return nil, fmt.Errorf("rpc: parameter %d (%q): %w", i, r.Params[i].Name, err)
		}
		buf = append(buf, encoded...)
	}

	return buf, nil
}

// encodeProcSelector encodes the procedure name selector per
// RPCCompat.ProcNameMode: 1 (default) is a plain US_VARCHAR name; 2 and 3
// prefix with 0xFFFF as if it were a procedure ID slot, followed by a
// B_VARCHAR or US_VARCHAR name respectively — accepted by servers that
// tolerate a non-numeric value there for compatibility testing.
func encodeProcSelector(name string, mode int) []byte {
	enc := stringToUCS2(name)
	switch mode {
	case 2:
		out := []byte{0xFF, 0xFF, byte(len(enc) / 2)}
		return append(out, enc...)
	case 3:
		nameLen := uint16(len(name))
		out := []byte{0xFF, 0xFF, byte(nameLen), byte(nameLen >> 8)}
		return append(out, enc...)
	default:
		nameLen := uint16(len(name))
		out := []byte{byte(nameLen), byte(nameLen >> 8)}
		return append(out, enc...)
	}
}

// encodeAllHeaders builds the ALL_HEADERS block TDS 7.2+ requires at the
// start of SQLBatch and RPCRequest messages.
func (r *RPCRequest) encodeAllHeaders() []byte {
	return encodeAllHeadersRaw(r.TransactionDescriptor, r.OutstandingRequestCount)
}

func encodeRPCParam(p *RPCParam, compat RPCCompat) ([]byte, error) {
	var buf []byte

	if compat.ParamNameASCII {
		name := []byte(p.Name)
		if len(name) > 255 {
			return nil, fmt.Errorf("parameter name %q exceeds 255 characters", p.Name)
		}
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
	} else {
		name := stringToUCS2(p.Name)
		if len(name) > 510 { // BYTELEN field, 255 UCS-2 chars max
			return nil, fmt.Errorf("parameter name %q exceeds 255 characters", p.Name)
		}
		buf = append(buf, byte(len(name)/2))
		buf = append(buf, name...)
	}

	var status uint8
	if p.Output {
		status |= ParamByRefValue
	}
	buf = append(buf, status)

	col := inferParamType(p)
	typeInfo, value, err := encodeParamValue(col, p.Value, compat)
	if err != nil {
		return nil, err
	}
	if p.Output && compat.OutIntLen0 && col.Type == TypeIntN && len(value) > 0 {
		value = []byte{0}
	}
	buf = append(buf, typeInfo...)
	buf = append(buf, value...)
	return buf, nil
}

// inferParamType fills in a Column describing the wire type for p, using
// p.Type/Length/Precision/Scale/Collation when the caller set them
// explicitly, else inferring from the Go type of p.Value.
func inferParamType(p *RPCParam) Column {
	if p.Type != 0 {
		col := Column{Type: p.Type, Length: p.Length, Precision: p.Precision, Scale: p.Scale, Collation: p.Collation}
		if col.Collation == nil {
			col.Collation = DefaultCollation
		}
		return col
	}

	switch v := p.Value.(type) {
	case nil:
		return Column{Type: TypeNVarChar, Length: 0xFFFF, Collation: DefaultCollation}
	case bool:
		return Column{Type: TypeBitN, Length: 1}
	case int8, int16, int32, int, uint8, uint16, uint32:
		return Column{Type: TypeIntN, Length: 4}
	case int64, uint64, uint:
		return Column{Type: TypeIntN, Length: 8}
	case float32:
		return Column{Type: TypeFloatN, Length: 4}
	case float64:
		return Column{Type: TypeFloatN, Length: 8}
	case decimal.Decimal:
		precision, scale := decimalPrecisionScale(v)
		return Column{Type: TypeDecimalN, Length: decimalByteLen(precision), Precision: precision, Scale: scale}
	case time.Time:
		return Column{Type: TypeDateTime2N, Length: 8, Scale: 7}
	case []byte:
		return Column{Type: TypeBigVarBin, Length: uint32(len(v))}
	case string:
		return Column{Type: TypeNVarChar, Length: uint32(len(v) * 2), Collation: DefaultCollation}
	default:
		s := fmt.Sprintf("%v", v)
		return Column{Type: TypeNVarChar, Length: uint32(len(s) * 2), Collation: DefaultCollation}
	}
}

func decimalPrecisionScale(d decimal.Decimal) (precision, scale uint8) {
	scale = uint8(-d.Exponent())
	digits := len(d.Coefficient().String())
	precision = uint8(digits)
	if precision < scale {
		precision = scale + 1
	}
	if precision > 38 {
		precision = 38
	}
	return
}

func decimalByteLen(precision uint8) uint32 {
	switch {
	case precision > 28:
		return 17
	case precision > 19:
		return 13
	case precision > 9:
		return 9
	default:
		return 5
	}
}

// encodeParamValue returns the TYPE_INFO bytes and the value bytes (NULL
// sentinel included) for a single parameter.
func encodeParamValue(col Column, v interface{}, compat RPCCompat) (typeInfo []byte, value []byte, err error) {
	switch col.Type {
	case TypeBitN:
		typeInfo = []byte{byte(col.Type), 1}
		if v == nil {
			return typeInfo, []byte{0}, nil
		}
		b, _ := toBool(v)
		bv := byte(0)
		if b {
			bv = 1
		}
		return typeInfo, []byte{1, bv}, nil

	case TypeIntN:
		typeInfo = []byte{byte(col.Type), byte(col.Length)}
		if v == nil {
			return typeInfo, []byte{0}, nil
		}
		n, _ := toInt64(v)
		data := make([]byte, col.Length)
		switch col.Length {
		case 1:
			data[0] = byte(n)
		case 2:
			binary.LittleEndian.PutUint16(data, uint16(n))
		case 4:
			binary.LittleEndian.PutUint32(data, uint32(n))
		case 8:
			binary.LittleEndian.PutUint64(data, uint64(n))
		}
		return typeInfo, append([]byte{byte(col.Length)}, data...), nil

	case TypeFloatN:
		typeInfo = []byte{byte(col.Type), byte(col.Length)}
		if v == nil {
			return typeInfo, []byte{0}, nil
		}
		f, _ := toFloat64(v)
		data := make([]byte, col.Length)
		if col.Length == 4 {
			binary.LittleEndian.PutUint32(data, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(data, math.Float64bits(f))
		}
		return typeInfo, append([]byte{byte(col.Length)}, data...), nil

	case TypeDecimalN:
		// Default layout carries the scale at the start of VALUE, ahead of
		// the value's length byte, so TYPE_INFO only fixes the storage
		// length and precision. compat.DecTypeInfoScale switches back to the
		// classic layout, where TYPE_INFO also fixes the scale and VALUE
		// holds just the length byte, sign and magnitude.
		if compat.DecTypeInfoScale {
			typeInfo = []byte{byte(col.Type), byte(col.Length), col.Precision, col.Scale}
			if v == nil {
				return typeInfo, []byte{0}, nil
			}
			d, ok := v.(decimal.Decimal)
			if !ok {
				return nil, nil, fmt.Errorf("expected decimal.Decimal, got %T", v)
			}
			body := encodeDecimal(d, col.Precision, col.Scale)
			return typeInfo, append([]byte{byte(len(body))}, body...), nil
		}

		typeInfo = []byte{byte(col.Type), byte(col.Length), col.Precision}
		if v == nil {
			return typeInfo, []byte{col.Scale, 0}, nil
		}
		d, ok := v.(decimal.Decimal)
		if !ok {
			return nil, nil, fmt.Errorf("expected decimal.Decimal, got %T", v)
		}
		body := encodeDecimal(d, col.Precision, col.Scale)
		return typeInfo, append([]byte{col.Scale, byte(len(body))}, body...), nil

	case TypeDateTime2N:
		typeInfo = []byte{byte(col.Type), col.Scale}
		if v == nil {
			return typeInfo, []byte{0}, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, nil, fmt.Errorf("expected time.Time, got %T", v)
		}
		days, ticks := encodeDateTime(t.UTC())
		ticksBytes := make([]byte, 5)
		tmp := make([]byte, 8)
		binary.LittleEndian.PutUint64(tmp, uint64(ticks))
		copy(ticksBytes, tmp[:5])
		dateBytes := []byte{byte(days), byte(days >> 8), byte(days >> 16)}
		out := append(ticksBytes, dateBytes...)
		return typeInfo, append([]byte{byte(len(out))}, out...), nil

	case TypeBigVarBin:
		typeInfo = encodeUShortLenTypeInfo(col.Type, 0xFFFF)
		if v == nil {
			return typeInfo, []byte{0xFF, 0xFF}, nil
		}
		b, _ := toBytes(v)
		lenBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBytes, uint16(len(b)))
		return typeInfo, append(lenBytes, b...), nil

	case TypeNVarChar:
		typeInfo = encodeNVarCharTypeInfo(col)
		if v == nil {
			return typeInfo, []byte{0xFF, 0xFF}, nil
		}
		s := toString(v)
		enc := stringToUCS2(s)
		lenBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBytes, uint16(len(enc)))
		return typeInfo, append(lenBytes, enc...), nil

	default:
		return nil, nil, fmt.Errorf("unsupported parameter type %s", col.Type)
	}
}

func encodeUShortLenTypeInfo(t SQLType, maxLen uint16) []byte {
	b := make([]byte, 3)
	b[0] = byte(t)
	binary.LittleEndian.PutUint16(b[1:], maxLen)
	return b
}

func encodeNVarCharTypeInfo(col Column) []byte {
	maxLen := uint16(col.Length)
	if maxLen == 0 {
		maxLen = 8000
	}
	b := make([]byte, 3)
	b[0] = byte(col.Type)
	binary.LittleEndian.PutUint16(b[1:], maxLen)
	collation := col.Collation
	if collation == nil {
		collation = DefaultCollation
	}
	return append(b, collation...)
}
