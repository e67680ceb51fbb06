package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// cursor is a forward-only byte reader over one assembled TDS message,
// used to decode the token stream that makes up a server reply.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) readByte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) readUint16() (uint16, error) {
	b, err := c.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) readUint32() (uint32, error) {
	b, err := c.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) readInt32() (int32, error) {
	v, err := c.readUint32()
	return int32(v), err
}

func (c *cursor) readUint64() (uint64, error) {
	b, err := c.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) skip(n int) error {
	_, err := c.readBytes(n)
	return err
}

// readBVarChar reads a BYTELEN-prefixed (1-byte length, in UCS-2 chars)
// UTF-16LE string, the framing used for most token field names.
func (c *cursor) readBVarChar() (string, error) {
	n, err := c.readByte()
	if err != nil {
		return "", err
	}
	b, err := c.readBytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// readUVarChar reads a USHORTLEN-prefixed (2-byte length, in UCS-2 chars)
// UTF-16LE string.
func (c *cursor) readUVarChar() (string, error) {
	n, err := c.readUint16()
	if err != nil {
		return "", err
	}
	b, err := c.readBytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// Parser decodes the server reply stream (COLMETADATA, ROW, DONE, ERROR,
// ENVCHANGE, and the rest of the token grammar) one token at a time. It
// carries the column metadata from the most recent COLMETADATA token so
// later ROW/NBCROW tokens can be decoded against it, matching how every
// TDS result set actually flows on the wire.
type Parser struct {
	columns []Column
}

// NewParser returns a Parser ready to decode tokens from a single logical
// server reply. Create one per request/response cycle (it keeps no state
// that outlives a single ColMetadata/ROW sequence).
func NewParser() *Parser {
	return &Parser{}
}

// Columns returns the column metadata from the most recently decoded
// COLMETADATA token, nil before the first one in this reply.
func (p *Parser) Columns() []Column {
	return p.columns
}

// DoneToken is decoded from DONE, DONEPROC, or DONEINPROC.
type DoneToken struct {
	Kind     TokenType
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d *DoneToken) More() bool  { return d.Status&DoneMore != 0 }
func (d *DoneToken) Error() bool { return d.Status&DoneError != 0 }
func (d *DoneToken) HasRowCount() bool { return d.Status&DoneCount != 0 }

// EnvChangeToken is decoded from an ENVCHANGE token.
type EnvChangeToken struct {
	Type     uint8
	NewValue []byte
	OldValue []byte
}

// LoginAckToken is decoded from a LOGINACK token.
type LoginAckToken struct {
	Interface   LoginAckInterface
	TDSVersion  uint32
	ProgName    string
	ProgVersion [4]byte
}

// ReturnValueToken is decoded from a RETURNVALUE token: either an output
// parameter value or a stored procedure return value (Name == "").
type ReturnValueToken struct {
	Ordinal  uint16
	Name     string
	Status   uint8
	UserType uint32
	Flags    uint16
	Column   Column
	Value    interface{}
}

// FeatureExtAckToken is decoded from a FEATUREEXTACK token: one raw payload
// per negotiated feature ID.
type FeatureExtAckToken struct {
	Features map[uint8][]byte
}

// SessionStateEntry is one entry of a SESSIONSTATE token.
type SessionStateEntry struct {
	SeqNo   uint32
	StateID uint8
	Data    []byte
}

// RawToken carries the unparsed payload of a token this client recognizes
// on the wire but only needs to pass through: ORDER, COLINFO, TABNAME,
// SSPI, FEDAUTHINFO, and DATACLASSIFICATION. Consumers that need the
// structured form can decode Payload themselves; nothing in the client's
// request/response flow depends on their contents today.
type RawToken struct {
	Kind    TokenType
	Payload []byte
}

// Next decodes and returns the next token from data starting at *pos,
// advancing *pos past it. It returns (nil, io.EOF) once data is exhausted.
// Concrete return types: []Column (COLMETADATA), Row, *DoneToken,
// *WireError, *EnvChangeToken, *LoginAckToken, int32 (RETURNSTATUS),
// *ReturnValueToken, *FeatureExtAckToken, []SessionStateEntry, *RawToken.
func (p *Parser) Next(data []byte, pos *int) (interface{}, error) {
	c := &cursor{data: data, pos: *pos}
	if c.remaining() == 0 {
		return nil, io.EOF
	}

	tokByte, err := c.readByte()
	if err != nil {
		return nil, err
	}
	tok := TokenType(tokByte)

	var result interface{}

	switch tok {
	case TokenColMetadata:
		result, err = p.parseColMetadata(c)
	case TokenRow:
		result, err = p.parseRow(c)
	case TokenNBCRow:
		result, err = p.parseNBCRow(c)
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		result, err = parseDone(tok, c)
	case TokenError, TokenInfo:
		result, err = parseWireError(tok, c)
	case TokenEnvChange:
		result, err = parseEnvChange(c)
	case TokenLoginAck:
		result, err = parseLoginAck(c)
	case TokenReturnStatus:
		var v int32
		v, err = c.readInt32()
		result = v
	case TokenReturnValue:
		result, err = parseReturnValue(c)
	case TokenFeatureExtAck:
		result, err = parseFeatureExtAck(c)
	case TokenSessionState:
		result, err = parseSessionState(c)
	case TokenOrder, TokenColInfo, TokenTabName, TokenSSPI, TokenDataClassif:
		result, err = parseRawLengthPrefixed(tok, c)
	case TokenFedAuthInfo:
		result, err = parseRawDWORDPrefixed(tok, c)
	case TokenOffset:
		result, err = parseOffset(c)
	default:
		return nil, fmt.Errorf("tds: unrecognized token type 0x%02X at offset %d", tokByte, *pos)
	}

	if err != nil {
		return nil, fmt.Errorf("tds: decoding %s token: %w", tok, err)
	}

	*pos = c.pos
	return result, nil
}

func (p *Parser) parseColMetadata(c *cursor) ([]Column, error) {
	count, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	if count == 0xFFFF { // no metadata
		p.columns = nil
		return nil, nil
	}

	columns := make([]Column, count)
	for i := range columns {
		userType, err := c.readUint32()
		if err != nil {
			return nil, err
		}
		flags, err := c.readUint16()
		if err != nil {
			return nil, err
		}

		col, err := readTypeInfo(c)
		if err != nil {
			return nil, err
		}
		col.UserType = userType
		col.Flags = flags
		col.Nullable = flags&ColFlagNullable != 0

		name, err := c.readBVarChar()
		if err != nil {
			return nil, err
		}
		col.Name = name

		columns[i] = col
	}

	p.columns = columns
	return columns, nil
}

func (p *Parser) parseRow(c *cursor) (Row, error) {
	row := make(Row, len(p.columns))
	for i, col := range p.columns {
		v, err := readValue(c, col)
		if err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i, col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func (p *Parser) parseNBCRow(c *cursor) (Row, error) {
	bitmapLen := nullBitmapLen(len(p.columns))
	bitmap, err := c.readBytes(bitmapLen)
	if err != nil {
		return nil, err
	}

	row := make(Row, len(p.columns))
	for i, col := range p.columns {
		if isNullInBitmap(bitmap, i) {
			row[i] = nil
			continue
		}
		v, err := readValue(c, col)
		if err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i, col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func parseDone(kind TokenType, c *cursor) (*DoneToken, error) {
	status, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	curCmd, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	rowCount, err := c.readUint64()
	if err != nil {
		return nil, err
	}
	return &DoneToken{Kind: kind, Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

func parseWireError(kind TokenType, c *cursor) (*WireError, error) {
	if _, err := c.readUint16(); err != nil { // token length, unused: fields are self-delimiting
		return nil, err
	}
	number, err := c.readInt32()
	if err != nil {
		return nil, err
	}
	state, err := c.readByte()
	if err != nil {
		return nil, err
	}
	class, err := c.readByte()
	if err != nil {
		return nil, err
	}
	message, err := c.readUVarChar()
	if err != nil {
		return nil, err
	}
	serverName, err := c.readBVarChar()
	if err != nil {
		return nil, err
	}
	procName, err := c.readBVarChar()
	if err != nil {
		return nil, err
	}
	lineNumber, err := c.readInt32()
	if err != nil {
		return nil, err
	}
	return &WireError{
		Number:     number,
		State:      state,
		Class:      class,
		Message:    message,
		ServerName: serverName,
		ProcName:   procName,
		LineNumber: lineNumber,
		IsInfo:     kind == TokenInfo,
	}, nil
}

func parseEnvChange(c *cursor) (*EnvChangeToken, error) {
	length, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	body, err := c.readBytes(int(length))
	if err != nil {
		return nil, err
	}
	bc := &cursor{data: body}

	envType, err := bc.readByte()
	if err != nil {
		return nil, err
	}

	var newVal, oldVal []byte
	switch envType {
	case EnvRouting:
		// ROUTING carries a differently-shaped payload (protocol + alt
		// server), not the NEW/OLD BYTELEN pair every other type uses.
		newVal = body[bc.pos:]
	default:
		newVal, err = readEnvChangeValue(bc, envType)
		if err != nil {
			return nil, err
		}
		if bc.remaining() > 0 {
			oldVal, err = readEnvChangeValue(bc, envType)
			if err != nil {
				return nil, err
			}
		}
	}

	return &EnvChangeToken{Type: envType, NewValue: newVal, OldValue: oldVal}, nil
}

func readEnvChangeValue(c *cursor, envType uint8) ([]byte, error) {
	n, err := c.readByte()
	if err != nil {
		return nil, err
	}
	switch envType {
	case EnvDatabase, EnvLanguage, EnvCharset, EnvPacketSize, EnvSortID, EnvSortFlags, EnvMirrorPartner, EnvStartedInstanceName:
		// B_VARCHAR: the length counts UCS-2 characters.
		return c.readBytes(int(n) * 2)
	}
	// B_VARBYTE (collation, transaction descriptors): the length counts bytes.
	return c.readBytes(int(n))
}

func parseLoginAck(c *cursor) (*LoginAckToken, error) {
	if _, err := c.readUint16(); err != nil { // length
		return nil, err
	}
	iface, err := c.readByte()
	if err != nil {
		return nil, err
	}
	ver, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	name, err := c.readBVarChar()
	if err != nil {
		return nil, err
	}
	progVerBytes, err := c.readBytes(4)
	if err != nil {
		return nil, err
	}
	var progVer [4]byte
	copy(progVer[:], progVerBytes)

	return &LoginAckToken{
		Interface:   LoginAckInterface(iface),
		TDSVersion:  ver,
		ProgName:    name,
		ProgVersion: progVer,
	}, nil
}

func parseReturnValue(c *cursor) (*ReturnValueToken, error) {
	ordinal, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	name, err := c.readBVarChar()
	if err != nil {
		return nil, err
	}
	status, err := c.readByte()
	if err != nil {
		return nil, err
	}
	userType, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	flags, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	col, err := readTypeInfo(c)
	if err != nil {
		return nil, err
	}
	col.UserType = userType
	col.Flags = flags

	value, err := readValue(c, col)
	if err != nil {
		return nil, err
	}

	return &ReturnValueToken{
		Ordinal:  ordinal,
		Name:     name,
		Status:   status,
		UserType: userType,
		Flags:    flags,
		Column:   col,
		Value:    value,
	}, nil
}

func parseFeatureExtAck(c *cursor) (*FeatureExtAckToken, error) {
	features := make(map[uint8][]byte)
	for {
		id, err := c.readByte()
		if err != nil {
			return nil, err
		}
		if id == 0xFF {
			break
		}
		length, err := c.readUint32()
		if err != nil {
			return nil, err
		}
		data, err := c.readBytes(int(length))
		if err != nil {
			return nil, err
		}
		features[id] = append([]byte(nil), data...)
	}
	return &FeatureExtAckToken{Features: features}, nil
}

func parseSessionState(c *cursor) ([]SessionStateEntry, error) {
	length, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	body, err := c.readBytes(int(length))
	if err != nil {
		return nil, err
	}
	bc := &cursor{data: body}

	var entries []SessionStateEntry
	for bc.remaining() > 0 {
		seqNo, err := bc.readUint32()
		if err != nil {
			return nil, err
		}
		stateID, err := bc.readByte()
		if err != nil {
			return nil, err
		}
		dataLen, err := bc.readByte()
		if err != nil {
			return nil, err
		}
		data, err := bc.readBytes(int(dataLen))
		if err != nil {
			return nil, err
		}
		entries = append(entries, SessionStateEntry{
			SeqNo:   seqNo,
			StateID: stateID,
			Data:    append([]byte(nil), data...),
		})
	}
	return entries, nil
}

// parseRawLengthPrefixed handles the tokens this client passes through
// unparsed (ORDER, COLINFO, TABNAME, SSPI). All are USHORTLEN-prefixed at
// the top level, which is enough to stay in sync with the rest of the
// token stream.
//
// DATACLASSIFICATION is also routed here, but its wire layout has no single
// top-level length field (label/sensitivity arrays are self-describing
// instead); this client never requests the data-classification feature in
// FEATUREEXTACK, so a conforming server will not emit it, and this path
// exists only as a safety net rather than a tested decode.
func parseRawLengthPrefixed(kind TokenType, c *cursor) (*RawToken, error) {
	length, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	payload, err := c.readBytes(int(length))
	if err != nil {
		return nil, err
	}
	return &RawToken{Kind: kind, Payload: append([]byte(nil), payload...)}, nil
}

// parseRawDWORDPrefixed handles FEDAUTHINFO, whose top-level length field is
// a 4-byte DWORD rather than the USHORTLEN used elsewhere.
func parseRawDWORDPrefixed(kind TokenType, c *cursor) (*RawToken, error) {
	length, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	payload, err := c.readBytes(int(length))
	if err != nil {
		return nil, err
	}
	return &RawToken{Kind: kind, Payload: append([]byte(nil), payload...)}, nil
}

// parseOffset decodes OFFSET, a fixed 4-byte token (Identifier, Offset)
// with no length prefix. SQL Server has not emitted it since TDS 7.1 and
// this client does not request it; kept for grammar completeness.
func parseOffset(c *cursor) (*RawToken, error) {
	payload, err := c.readBytes(4)
	if err != nil {
		return nil, err
	}
	return &RawToken{Kind: TokenOffset, Payload: append([]byte(nil), payload...)}, nil
}
