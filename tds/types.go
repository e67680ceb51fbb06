package tds

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
	"unicode/utf16"

	"github.com/shopspring/decimal"
)

// SQLType identifies a TDS wire type.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F // 31
	TypeInt1      SQLType = 0x30 // 48  - tinyint
	TypeBit       SQLType = 0x32 // 50
	TypeInt2      SQLType = 0x34 // 52  - smallint
	TypeInt4      SQLType = 0x38 // 56  - int
	TypeDateTime4 SQLType = 0x3A // 58  - smalldatetime
	TypeFloat4    SQLType = 0x3B // 59  - real
	TypeMoney     SQLType = 0x3C // 60
	TypeDateTime  SQLType = 0x3D // 61
	TypeFloat8    SQLType = 0x3E // 62  - float
	TypeMoney4    SQLType = 0x7A // 122 - smallmoney
	TypeInt8      SQLType = 0x7F // 127 - bigint

	TypeGUID            SQLType = 0x24 // 36
	TypeIntN            SQLType = 0x26 // 38
	TypeDecimal         SQLType = 0x37 // 55 (legacy)
	TypeNumeric         SQLType = 0x3F // 63 (legacy)
	TypeBitN            SQLType = 0x68 // 104
	TypeDecimalN        SQLType = 0x6A // 106
	TypeNumericN        SQLType = 0x6C // 108
	TypeFloatN          SQLType = 0x6D // 109
	TypeMoneyN          SQLType = 0x6E // 110
	TypeDateTimeN       SQLType = 0x6F // 111
	TypeDateN           SQLType = 0x28 // 40
	TypeTimeN           SQLType = 0x29 // 41
	TypeDateTime2N      SQLType = 0x2A // 42
	TypeDateTimeOffsetN SQLType = 0x2B // 43

	TypeChar      SQLType = 0x2F // 47
	TypeVarChar   SQLType = 0x27 // 39
	TypeBinary    SQLType = 0x2D // 45
	TypeVarBinary SQLType = 0x25 // 37

	TypeBigVarBin  SQLType = 0xA5 // 165
	TypeBigVarChar SQLType = 0xA7 // 167
	TypeBigBinary  SQLType = 0xAD // 173
	TypeBigChar    SQLType = 0xAF // 175
	TypeNVarChar   SQLType = 0xE7 // 231
	TypeNChar      SQLType = 0xEF // 239
	TypeXML        SQLType = 0xF1 // 241
	TypeUDT        SQLType = 0xF0 // 240

	TypeText      SQLType = 0x23 // 35
	TypeImage     SQLType = 0x22 // 34
	TypeNText     SQLType = 0x63 // 99
	TypeSSVariant SQLType = 0x62 // 98
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeMoney:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeIntN:
		return "INTN"
	case TypeBitN:
		return "BITN"
	case TypeFloatN:
		return "FLOATN"
	case TypeMoneyN:
		return "MONEYN"
	case TypeDateTimeN:
		return "DATETIMEN"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimalN, TypeNumericN:
		return "DECIMAL"
	case TypeChar:
		return "CHAR"
	case TypeVarChar:
		return "VARCHAR"
	case TypeBinary:
		return "BINARY"
	case TypeVarBinary:
		return "VARBINARY"
	case TypeBigVarBin:
		return "VARBINARY"
	case TypeBigVarChar:
		return "VARCHAR"
	case TypeBigBinary:
		return "BINARY"
	case TypeBigChar:
		return "CHAR"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Column describes one column of a result set, as carried by COLMETADATA
// and also reused to describe RPC parameter type info.
type Column struct {
	Name      string
	Type      SQLType
	Length    uint32
	Precision uint8
	Scale     uint8
	Collation []byte
	Nullable  bool
	UserType  uint32
	Flags     uint16
}

// ColumnFlags bits, as carried in COLMETADATA.
const (
	ColFlagNullable        uint16 = 0x0001
	ColFlagCaseSen         uint16 = 0x0002
	ColFlagUpdateable      uint16 = 0x0008
	ColFlagIdentity        uint16 = 0x0010
	ColFlagComputed        uint16 = 0x0020
	ColFlagFixedLenCLR     uint16 = 0x0100
	ColFlagSparseColumn    uint16 = 0x0400
	ColFlagEncrypted       uint16 = 0x0800
	ColFlagHidden          uint16 = 0x2000
	ColFlagKey             uint16 = 0x4000
	ColFlagNullableUnknown uint16 = 0x8000
)

// DefaultCollation is Latin1_General_CI_AS, used when a server omits or a
// caller does not specify collation for a string-typed RPC parameter.
var DefaultCollation = []byte{0x09, 0x04, 0xD0, 0x00, 0x34}

// Row is one decoded result-set row, indexed the same as its COLMETADATA.
type Row []interface{}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int:
		return x != 0, true
	case int64:
		return x != 0, true
	default:
		return false, false
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case decimal.Decimal:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toBytes(v interface{}) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	default:
		return nil, false
	}
}

// decodeUTF16 converts UTF-16LE bytes (as used throughout TDS string
// encoding) to a Go string.
func decodeUTF16(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

// stringToUCS2 converts a Go string to UTF-16LE bytes.
func stringToUCS2(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

var baseDate1900 = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
var baseDate0001 = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

func decodeSmallDateTime(days uint16, mins uint16) time.Time {
	return baseDate1900.AddDate(0, 0, int(days)).Add(time.Duration(mins) * time.Minute)
}

func decodeDateTime(days int32, ticks uint32) time.Time {
	ns := int64(ticks) * 1000000000 / 300
	return baseDate1900.AddDate(0, 0, int(days)).Add(time.Duration(ns))
}

func encodeDateTime(t time.Time) (days int32, ticks uint32) {
	days = int32(t.Sub(baseDate1900).Hours() / 24)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	ns := t.Sub(midnight).Nanoseconds()
	ticks = uint32(ns * 300 / 1000000000)
	return
}

func decodeDate(days uint32) time.Time {
	return baseDate0001.AddDate(0, 0, int(days))
}

func scaleDivisor(scale uint8) uint64 {
	d := uint64(1)
	for i := uint8(0); i < 7-scale; i++ {
		d *= 10
	}
	return d
}

func decodeTime(b []byte, scale uint8) time.Time {
	var ticks uint64
	for i := 0; i < len(b); i++ {
		ticks |= uint64(b[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)
	return time.Date(1, 1, 1, 0, 0, 0, int(ns), time.UTC)
}

func decodeDateTime2(b []byte, scale uint8) time.Time {
	timeLen := len(b) - 3
	timeBytes := b[:timeLen]
	dateBytes := b[timeLen:]

	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	date := baseDate0001.AddDate(0, 0, int(days))

	var ticks uint64
	for i := 0; i < len(timeBytes); i++ {
		ticks |= uint64(timeBytes[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)

	return date.Add(time.Duration(ns))
}

func decodeDateTimeOffset(b []byte, scale uint8) time.Time {
	offsetBytes := b[len(b)-2:]
	dateTimeBytes := b[:len(b)-2]

	offsetMins := int16(binary.LittleEndian.Uint16(offsetBytes))
	loc := time.FixedZone("", int(offsetMins)*60)

	timeLen := len(dateTimeBytes) - 3
	timeBytes := dateTimeBytes[:timeLen]
	dateBytes := dateTimeBytes[timeLen:]

	days := uint32(dateBytes[0]) | uint32(dateBytes[1])<<8 | uint32(dateBytes[2])<<16
	date := time.Date(1, 1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, int(days))

	var ticks uint64
	for i := 0; i < len(timeBytes); i++ {
		ticks |= uint64(timeBytes[i]) << (uint(i) * 8)
	}
	ns := ticks * 100 * scaleDivisor(scale)

	return date.Add(time.Duration(ns))
}

// decodeDecimal reconstructs a DECIMAL/NUMERIC wire value into a
// shopspring/decimal.Decimal, honoring the sign byte and the column scale.
func decodeDecimal(b []byte, precision, scale uint8) decimal.Decimal {
	if len(b) == 0 {
		return decimal.Zero
	}
	sign := b[0]
	data := b[1:]

	// SQL Server encodes the unscaled integer little-endian across up to
	// 16 bytes (precision > 38 is not possible); math/big handles the
	// full width instead of truncating to a fixed machine integer.
	be := make([]byte, len(data))
	for i, b := range data {
		be[len(data)-1-i] = b
	}
	coeff := new(big.Int).SetBytes(be)

	d := decimal.NewFromBigInt(coeff, -int32(scale))
	if sign == 0 {
		d = d.Neg()
	}
	return d
}

// encodeDecimal produces the wire body (sign byte + little-endian unscaled
// integer) for a DECIMAL/NUMERIC value at the given scale. The body is 5, 9,
// 13, or 17 bytes long depending on precision, the same storage length
// decimalByteLen gives for TYPE_INFO.
func encodeDecimal(d decimal.Decimal, precision, scale uint8) []byte {
	scaled := d.Rescale(-int32(scale))
	coeff := scaled.Coefficient()
	neg := coeff.Sign() < 0
	if neg {
		coeff = new(big.Int).Neg(coeff)
	}

	byteLen := byte(5)
	switch {
	case precision > 28:
		byteLen = 17
	case precision > 19:
		byteLen = 13
	case precision > 9:
		byteLen = 9
	}

	be := coeff.Bytes()
	le := make([]byte, byteLen-1)
	n := len(be)
	for i := 0; i < n && i < len(le); i++ {
		le[i] = be[n-1-i]
	}

	out := make([]byte, 0, 1+len(le))
	if neg {
		out = append(out, 0)
	} else {
		out = append(out, 1)
	}
	out = append(out, le...)
	return out
}

func decodeGUID(b []byte) string {
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}

// encodeGUID parses a "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX" string into the
// 16-byte mixed-endian wire representation SQL Server expects.
func encodeGUID(s string) ([]byte, error) {
	var raw [16]byte
	n, err := fmt.Sscanf(s, "%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		&raw[3], &raw[2], &raw[1], &raw[0],
		&raw[5], &raw[4],
		&raw[7], &raw[6],
		&raw[8], &raw[9],
		&raw[10], &raw[11], &raw[12], &raw[13], &raw[14], &raw[15])
	if err != nil || n != 16 {
		return nil, fmt.Errorf("invalid GUID string %q", s)
	}
	return raw[:], nil
}
