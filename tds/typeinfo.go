package tds

import (
	"fmt"
	"math"
)

// PLP (Partially Length-Prefixed) sentinels.
const (
	plpNullValue     uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownLength uint64 = 0xFFFFFFFFFFFFFFFE
)

// readTypeInfo decodes a TYPE_INFO structure: a 1-byte SQLType tag followed
// by a type-specific length/precision/scale/collation block. This is the
// same grammar for COLMETADATA column descriptions and RETURNVALUE
// parameter descriptions.
func readTypeInfo(c *cursor) (Column, error) {
	typeByte, err := c.readByte()
	if err != nil {
		return Column{}, err
	}
	t := SQLType(typeByte)
	col := Column{Type: t}

	switch t {
	// Fixed-length, no further TYPE_INFO bytes.
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4:
		col.Length = fixedLenOf(t)
		return col, nil

	// Nullable fixed-width ("N") types: 1-byte max length.
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		n, err := c.readByte()
		if err != nil {
			return col, err
		}
		col.Length = uint32(n)
		return col, nil

	case TypeDecimalN, TypeNumericN:
		n, err := c.readByte()
		if err != nil {
			return col, err
		}
		precision, err := c.readByte()
		if err != nil {
			return col, err
		}
		scale, err := c.readByte()
		if err != nil {
			return col, err
		}
		col.Length = uint32(n)
		col.Precision = precision
		col.Scale = scale
		return col, nil

	case TypeDateN:
		return col, nil

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := c.readByte()
		if err != nil {
			return col, err
		}
		col.Scale = scale
		return col, nil

	// BYTELEN-prefixed fixed-width types.
	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := c.readByte()
		if err != nil {
			return col, err
		}
		col.Length = uint32(n)
		return col, nil

	// USHORTLEN-prefixed types, some with collation.
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		length, err := c.readUint16()
		if err != nil {
			return col, err
		}
		col.Length = uint32(length)
		collation, err := c.readBytes(5)
		if err != nil {
			return col, err
		}
		col.Collation = append([]byte(nil), collation...)
		return col, nil

	case TypeBigVarBin, TypeBigBinary:
		length, err := c.readUint16()
		if err != nil {
			return col, err
		}
		col.Length = uint32(length)
		return col, nil

	// LONGLEN/PLP text-and-image types.
	case TypeText, TypeNText:
		length, err := c.readUint32()
		if err != nil {
			return col, err
		}
		col.Length = length
		collation, err := c.readBytes(5)
		if err != nil {
			return col, err
		}
		col.Collation = append([]byte(nil), collation...)
		// numparts/parts (table name parts) follow; this client never
		// issues textptr updates so it only needs to skip past them.
		numParts, err := c.readByte()
		if err != nil {
			return col, err
		}
		for i := byte(0); i < numParts; i++ {
			if _, err := c.readUVarChar(); err != nil {
				return col, err
			}
		}
		return col, nil

	case TypeImage:
		length, err := c.readUint32()
		if err != nil {
			return col, err
		}
		col.Length = length
		numParts, err := c.readByte()
		if err != nil {
			return col, err
		}
		for i := byte(0); i < numParts; i++ {
			if _, err := c.readUVarChar(); err != nil {
				return col, err
			}
		}
		return col, nil

	case TypeXML:
		schemaPresent, err := c.readByte()
		if err != nil {
			return col, err
		}
		if schemaPresent != 0 {
			if _, err := c.readBVarChar(); err != nil { // dbname
				return col, err
			}
			if _, err := c.readBVarChar(); err != nil { // owning schema
				return col, err
			}
			if _, err := c.readUVarChar(); err != nil { // XML schema collection
				return col, err
			}
		}
		return col, nil

	case TypeSSVariant:
		length, err := c.readUint32()
		if err != nil {
			return col, err
		}
		col.Length = length
		return col, nil

	case TypeUDT:
		if _, err := c.readUint16(); err != nil { // max byte size
			return col, err
		}
		if _, err := c.readBVarChar(); err != nil { // db name
			return col, err
		}
		if _, err := c.readBVarChar(); err != nil { // schema name
			return col, err
		}
		if _, err := c.readBVarChar(); err != nil { // type name
			return col, err
		}
		if _, err := c.readUVarChar(); err != nil { // assembly-qualified name
			return col, err
		}
		return col, nil

	default:
		return col, fmt.Errorf("unsupported TYPE_INFO tag 0x%02X", typeByte)
	}
}

func fixedLenOf(t SQLType) uint32 {
	switch t {
	case TypeInt1, TypeBit:
		return 1
	case TypeInt2:
		return 2
	case TypeInt4, TypeFloat4, TypeDateTime4, TypeMoney4:
		return 4
	case TypeInt8, TypeFloat8, TypeMoney, TypeDateTime:
		return 8
	default:
		return 0
	}
}

// readValue decodes one column value per col's TYPE_INFO, returning nil
// for SQL NULL.
func readValue(c *cursor, col Column) (interface{}, error) {
	switch col.Type {
	case TypeNull:
		return nil, nil

	case TypeInt1:
		b, err := c.readByte()
		return int64(b), err
	case TypeBit:
		b, err := c.readByte()
		return b != 0, err
	case TypeInt2:
		v, err := c.readUint16()
		return int64(int16(v)), err
	case TypeInt4:
		v, err := c.readUint32()
		return int64(int32(v)), err
	case TypeInt8:
		v, err := c.readUint64()
		return int64(v), err
	case TypeFloat4:
		b, err := c.readBytes(4)
		if err != nil {
			return nil, err
		}
		return float64(decodeFloat32(b)), nil
	case TypeFloat8:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		return decodeFloat64(b), nil
	case TypeMoney4:
		b, err := c.readBytes(4)
		if err != nil {
			return nil, err
		}
		return decodeSmallMoney(b), nil
	case TypeMoney:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		return decodeMoney(b), nil
	case TypeDateTime4:
		b, err := c.readBytes(4)
		if err != nil {
			return nil, err
		}
		days := uint16(b[0]) | uint16(b[1])<<8
		mins := uint16(b[2]) | uint16(b[3])<<8
		return decodeSmallDateTime(days, mins), nil
	case TypeDateTime:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		days := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
		ticks := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
		return decodeDateTime(days, ticks), nil

	case TypeIntN:
		return readNullableFixed(c, col.Length, func(b []byte) interface{} {
			switch len(b) {
			case 1:
				return int64(b[0])
			case 2:
				return int64(int16(uint16(b[0]) | uint16(b[1])<<8))
			case 4:
				return int64(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
			default:
				var v uint64
				for i, bb := range b {
					v |= uint64(bb) << (uint(i) * 8)
				}
				return int64(v)
			}
		})
	case TypeBitN:
		return readNullableFixed(c, 1, func(b []byte) interface{} { return b[0] != 0 })
	case TypeFloatN:
		return readNullableFixed(c, col.Length, func(b []byte) interface{} {
			if len(b) == 4 {
				return float64(decodeFloat32(b))
			}
			return decodeFloat64(b)
		})
	case TypeMoneyN:
		return readNullableFixed(c, col.Length, func(b []byte) interface{} {
			if len(b) == 4 {
				return decodeSmallMoney(b)
			}
			return decodeMoney(b)
		})
	case TypeDateTimeN:
		return readNullableFixed(c, col.Length, func(b []byte) interface{} {
			if len(b) == 4 {
				days := uint16(b[0]) | uint16(b[1])<<8
				mins := uint16(b[2]) | uint16(b[3])<<8
				return decodeSmallDateTime(days, mins)
			}
			days := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
			ticks := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
			return decodeDateTime(days, ticks)
		})
	case TypeGUID:
		return readNullableFixed(c, col.Length, func(b []byte) interface{} {
			return decodeGUID(b)
		})
	case TypeDateN:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		days := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		return decodeDate(days), nil
	case TypeTimeN:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeTime(b, col.Scale), nil
	case TypeDateTime2N:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeDateTime2(b, col.Scale), nil
	case TypeDateTimeOffsetN:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeDateTimeOffset(b, col.Scale), nil

	case TypeDecimalN, TypeNumericN:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeDecimal(b, col.Precision, col.Scale), nil

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0xFF {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		if col.Type == TypeChar || col.Type == TypeVarChar {
			return string(b), nil
		}
		return append([]byte(nil), b...), nil

	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		if col.Length == 0xFFFF { // VARCHAR(MAX)/NVARCHAR(MAX): PLP-encoded
			return readPLPOrLong(c, col)
		}
		n, err := c.readUint16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		if col.Type == TypeNVarChar || col.Type == TypeNChar {
			return decodeUTF16(b), nil
		}
		return string(b), nil

	case TypeBigVarBin, TypeBigBinary:
		if col.Length == 0xFFFF { // VARBINARY(MAX): PLP-encoded
			return readPLPOrLong(c, col)
		}
		n, err := c.readUint16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil

	case TypeXML, TypeText, TypeNText, TypeImage, TypeSSVariant, TypeUDT:
		return readPLPOrLong(c, col)

	default:
		return nil, fmt.Errorf("unsupported value type %s", col.Type)
	}
}

// readNullableFixed reads a 1-byte actual-length prefix (0 means NULL)
// followed by exactly that many bytes, as used by every "N" nullable
// fixed-width type (INTN, FLTN, MONEYN, DATETIMN, GUID, BITN).
func readNullableFixed(c *cursor, maxLen uint32, decode func([]byte) interface{}) (interface{}, error) {
	n, err := c.readByte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b, err := c.readBytes(int(n))
	if err != nil {
		return nil, err
	}
	return decode(b), nil
}

// readPLPOrLong reads either a classic LONGLEN value (TEXT/NTEXT/IMAGE,
// 4-byte length) or a PLP-chunked value (XML/VARCHAR(MAX)-class types,
// 8-byte length with the "unknown length" and NULL sentinels), returning
// the fully reassembled bytes (or decoded string for text types).
func readPLPOrLong(c *cursor, col Column) (interface{}, error) {
	switch col.Type {
	case TypeText, TypeNText, TypeImage:
		textPtrLen, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if textPtrLen == 0 {
			return nil, nil
		}
		if err := c.skip(int(textPtrLen)); err != nil { // text pointer
			return nil, err
		}
		if err := c.skip(8); err != nil { // timestamp
			return nil, err
		}
		length, err := c.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := c.readBytes(int(length))
		if err != nil {
			return nil, err
		}
		if col.Type == TypeNText {
			return decodeUTF16(b), nil
		}
		if col.Type == TypeText {
			return string(b), nil
		}
		return append([]byte(nil), b...), nil

	default: // PLP-encoded: XML, UDT and the (MAX) types, plus SQL_VARIANT (as fixed-length variant, no PLP, handled below)
		if col.Type == TypeSSVariant {
			return readSQLVariant(c, col)
		}
		total, err := c.readUint64()
		if err != nil {
			return nil, err
		}
		if total == plpNullValue {
			return nil, nil
		}

		if col.Type == TypeXML || col.Type == TypeUDT || col.Type == TypeBigVarBin || col.Type == TypeBigVarChar {
			var chunks []byte
			for {
				chunkLen, err := c.readUint32()
				if err != nil {
					return nil, err
				}
				if chunkLen == 0 {
					break
				}
				chunk, err := c.readBytes(int(chunkLen))
				if err != nil {
					return nil, err
				}
				chunks = append(chunks, chunk...)
			}
			if col.Type == TypeBigVarChar {
				return string(chunks), nil
			}
			return chunks, nil
		}

		// NVARCHAR(MAX)-class value: decode each wire chunk as it arrives
		// rather than buffering the whole PLP stream first, since a chunk
		// boundary can split a UTF-16 code unit (or surrogate pair) and
		// decodeUTF16 assumes a complete buffer.
		dec := newPLPTextDecoder()
		for {
			chunkLen, err := c.readUint32()
			if err != nil {
				return nil, err
			}
			if chunkLen == 0 {
				if err := dec.feed(nil, true); err != nil {
					return nil, fmt.Errorf("decoding PLP text: %w", err)
				}
				break
			}
			chunk, err := c.readBytes(int(chunkLen))
			if err != nil {
				return nil, err
			}
			if err := dec.feed(chunk, false); err != nil {
				return nil, fmt.Errorf("decoding PLP text: %w", err)
			}
		}
		return dec.string(), nil
	}
}

// readSQLVariant decodes a SQL_VARIANT value: 4-byte total length, then a
// nested 1-byte base type tag, a 1-byte property-bytes count, the
// type-specific properties, and the value itself.
func readSQLVariant(c *cursor, _ Column) (interface{}, error) {
	totalLen, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	if totalLen == 0 {
		return nil, nil
	}
	baseTypeByte, err := c.readByte()
	if err != nil {
		return nil, err
	}
	propBytes, err := c.readByte()
	if err != nil {
		return nil, err
	}

	inner := Column{Type: SQLType(baseTypeByte)}
	remaining := int(totalLen) - 2 - int(propBytes)

	switch inner.Type {
	case TypeDecimalN, TypeNumericN:
		precision, err := c.readByte()
		if err != nil {
			return nil, err
		}
		scale, err := c.readByte()
		if err != nil {
			return nil, err
		}
		inner.Precision = precision
		inner.Scale = scale
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		collation, err := c.readBytes(5)
		if err != nil {
			return nil, err
		}
		inner.Collation = append([]byte(nil), collation...)
		if propBytes > 5 { // the 2-byte max length follows the collation
			if err := c.skip(int(propBytes) - 5); err != nil {
				return nil, err
			}
		}
	default:
		if propBytes > 0 {
			if err := c.skip(int(propBytes)); err != nil {
				return nil, err
			}
		}
	}

	data, err := c.readBytes(remaining)
	if err != nil {
		return nil, err
	}
	inner.Length = uint32(remaining)

	valCursor := &cursor{data: data}
	return readFixedValueNoNullPrefix(valCursor, inner)
}

// readFixedValueNoNullPrefix decodes a value whose length is already known
// from context (as inside SQL_VARIANT, which carries no per-value NULL
// sentinel of its own).
func readFixedValueNoNullPrefix(c *cursor, col Column) (interface{}, error) {
	switch col.Type {
	case TypeInt1:
		b, err := c.readByte()
		return int64(b), err
	case TypeBitN:
		b, err := c.readByte()
		return b != 0, err
	case TypeInt2:
		v, err := c.readUint16()
		return int64(int16(v)), err
	case TypeInt4:
		v, err := c.readUint32()
		return int64(int32(v)), err
	case TypeInt8:
		v, err := c.readUint64()
		return int64(v), err
	case TypeFloat4:
		b, err := c.readBytes(4)
		if err != nil {
			return nil, err
		}
		return float64(decodeFloat32(b)), nil
	case TypeFloat8:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		return decodeFloat64(b), nil
	case TypeMoney4:
		b, err := c.readBytes(4)
		if err != nil {
			return nil, err
		}
		return decodeSmallMoney(b), nil
	case TypeMoney:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		return decodeMoney(b), nil
	case TypeDateTime:
		b, err := c.readBytes(8)
		if err != nil {
			return nil, err
		}
		days := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
		ticks := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
		return decodeDateTime(days, ticks), nil
	case TypeGUID:
		b, err := c.readBytes(16)
		if err != nil {
			return nil, err
		}
		return decodeGUID(b), nil
	case TypeDecimalN, TypeNumericN:
		b, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return decodeDecimal(b, col.Precision, col.Scale), nil
	case TypeBigVarChar, TypeBigChar:
		b, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case TypeNVarChar, TypeNChar:
		b, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return decodeUTF16(b), nil
	case TypeBigVarBin, TypeBigBinary:
		b, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("unsupported SQL_VARIANT base type %s", col.Type)
	}
}

func decodeFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func decodeFloat64(b []byte) float64 {
	var bits uint64
	for i, bb := range b {
		bits |= uint64(bb) << (uint(i) * 8)
	}
	return math.Float64frombits(bits)
}

// decodeMoney reconstructs an 8-byte MONEY value (two int32 halves, high
// then low, scaled by 10000) into a float64. Callers needing exact decimal
// precision should treat Money-typed output as informational; the wire
// contract does not name MONEY in the precision-sensitive path (that is
// DECIMAL/NUMERIC), so a float approximation is adequate here.
func decodeMoney(b []byte) float64 {
	high := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	low := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	v := int64(high)<<32 | int64(low)
	return float64(v) / 10000.0
}

func decodeSmallMoney(b []byte) float64 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return float64(v) / 10000.0
}
