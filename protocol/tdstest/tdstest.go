// Package tdstest provides a minimal net.Pipe-backed fake TDS server: just
// enough PRELOGIN/LOGIN7/token-stream behavior to drive Connection and Pool
// tests without a real SQL Server instance.
package tdstest

import (
	"encoding/binary"
	"net"

	"github.com/ha1tch/aul/tds"
)

// Server is a fake TDS endpoint speaking the server direction of the wire
// protocol over one net.Conn (normally one half of a net.Pipe()).
type Server struct {
	conn *tds.Conn
}

// NewServer wraps netConn (the server-side half of a pipe) as a fake server.
func NewServer(netConn net.Conn) *Server {
	return &Server{conn: tds.NewConn(netConn)}
}

// HandlePreloginAndLogin performs the server side of a no-encryption
// handshake: reads the client's PRELOGIN, answers with encryption
// unsupported, reads LOGIN7, and answers with a LOGINACK + final DONE
// reporting success. Returns once the client is fully logged in from the
// fake server's perspective.
func (s *Server) HandlePreloginAndLogin() error {
	if _, _, err := s.conn.ReadPacket(); err != nil {
		return err
	}
	if err := s.conn.WritePacket(tds.PacketReply, encodePreloginResponse()); err != nil {
		return err
	}

	if _, _, err := s.conn.ReadPacket(); err != nil {
		return err
	}
	body := append(encodeLoginAck(), encodeDone(tds.TokenDone, tds.DoneFinal, 0)...)
	return s.conn.WritePacket(tds.PacketReply, body)
}

// RespondWithRows answers the next request (SQLBatch or RPC) with the given
// column set, rows, and a final DONE reporting rowCount affected rows.
func (s *Server) RespondWithRows(cols []tds.Column, rows [][]interface{}, rowCount uint64) error {
	if _, _, err := s.conn.ReadPacket(); err != nil {
		return err
	}
	var body []byte
	body = append(body, encodeColMetadata(cols)...)
	for _, row := range rows {
		body = append(body, encodeRow(cols, row)...)
	}
	status := tds.DoneFinal
	if rowCount > 0 {
		status |= tds.DoneCount
	}
	body = append(body, encodeDone(tds.TokenDone, status, rowCount)...)
	return s.conn.WritePacket(tds.PacketReply, body)
}

// RespondToRPCWithRows answers the next request with the given column set,
// rows, and a final DONEPROC reporting rowCount affected rows — the token
// kind a real SQL Server uses to end an RPC call (Connection.RPC), as
// opposed to the DONE a SQLBatch ends with.
func (s *Server) RespondToRPCWithRows(cols []tds.Column, rows [][]interface{}, rowCount uint64) error {
	if _, _, err := s.conn.ReadPacket(); err != nil {
		return err
	}
	var body []byte
	body = append(body, encodeColMetadata(cols)...)
	for _, row := range rows {
		body = append(body, encodeRow(cols, row)...)
	}
	status := tds.DoneFinal
	if rowCount > 0 {
		status |= tds.DoneCount
	}
	body = append(body, encodeDone(tds.TokenDoneProc, status, rowCount)...)
	return s.conn.WritePacket(tds.PacketReply, body)
}

// RespondWithError answers the next request with an ERROR token followed
// by a final DONE with the error bit set.
func (s *Server) RespondWithError(number int32, message string) error {
	if _, _, err := s.conn.ReadPacket(); err != nil {
		return err
	}
	body := append(encodeWireError(number, message), encodeDone(tds.TokenDone, tds.DoneFinal|tds.DoneError, 0)...)
	return s.conn.WritePacket(tds.PacketReply, body)
}

func encodePreloginResponse() []byte {
	version := []byte{1, 0, 0, 0, 0, 0}
	encryption := []byte{tds.EncryptNotSup}

	type opt struct {
		token byte
		value []byte
	}
	opts := []opt{
		{byte(tds.PreloginVersion), version},
		{byte(tds.PreloginEncryption), encryption},
	}

	headerLen := len(opts)*5 + 1
	var header []byte
	var payload []byte
	offset := headerLen
	for _, o := range opts {
		h := make([]byte, 5)
		h[0] = o.token
		binary.BigEndian.PutUint16(h[1:3], uint16(offset))
		binary.BigEndian.PutUint16(h[3:5], uint16(len(o.value)))
		header = append(header, h...)
		payload = append(payload, o.value...)
		offset += len(o.value)
	}
	header = append(header, tds.PreloginTerminator)
	return append(header, payload...)
}

func encodeUTF16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func encodeLoginAck() []byte {
	name := encodeUTF16LE("aul-tdstest")
	body := []byte{
		byte(tds.LoginAckSQL2012),
	}
	verBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(verBytes, tds.VerTDS74)
	body = append(body, verBytes...)
	body = append(body, byte(len(name)/2))
	body = append(body, name...)
	body = append(body, 0, 0, 0, 0) // ProgVersion

	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, uint16(len(body)))

	return append([]byte{byte(tds.TokenLoginAck)}, append(header, body...)...)
}

func encodeDone(kind tds.TokenType, status uint16, rowCount uint64) []byte {
	buf := make([]byte, 1+2+2+8)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint16(buf[1:3], status)
	binary.LittleEndian.PutUint16(buf[3:5], 0)
	binary.LittleEndian.PutUint64(buf[5:13], rowCount)
	return buf
}

func encodeWireError(number int32, message string) []byte {
	msg := encodeUTF16LE(message)
	server := encodeUTF16LE("tdstest")
	proc := encodeUTF16LE("")

	var body []byte
	numBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBytes, uint32(number))
	body = append(body, numBytes...)
	body = append(body, 1)  // state
	body = append(body, 16) // class/severity

	msgLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(msgLen, uint16(len(message)))
	body = append(body, msgLen...)
	body = append(body, msg...)

	body = append(body, byte(len(server)/2))
	body = append(body, server...)
	body = append(body, byte(len(proc)/2))
	body = append(body, proc...)

	lineBytes := make([]byte, 4)
	body = append(body, lineBytes...)

	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, uint16(len(body)))
	return append([]byte{byte(tds.TokenError)}, append(header, body...)...)
}

// encodeColMetadata and encodeRow produce a minimal COLMETADATA/ROW pair
// sufficient for the tests in this module: every column is treated as
// INTN(4) or NVARCHAR depending on its declared tds.SQLType, which covers
// the int/string fixtures exercised by the pool and connection tests.
func encodeColMetadata(cols []tds.Column) []byte {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, uint16(len(cols)))
	for _, c := range cols {
		body = append(body, 0, 0, 0, 0) // user type
		body = append(body, 0, 0)       // flags
		body = append(body, byte(c.Type))
		switch c.Type {
		case tds.TypeIntN:
			body = append(body, 4)
		case tds.TypeNVarChar:
			lenBytes := make([]byte, 2)
			binary.LittleEndian.PutUint16(lenBytes, 200)
			body = append(body, lenBytes...)
			body = append(body, tds.DefaultCollation...)
		}
		name := encodeUTF16LE(c.Name)
		body = append(body, byte(len(name)/2))
		body = append(body, name...)
	}
	return append([]byte{byte(tds.TokenColMetadata)}, body...)
}

func encodeRow(cols []tds.Column, values []interface{}) []byte {
	body := []byte{byte(tds.TokenRow)}
	for i, c := range cols {
		v := values[i]
		switch c.Type {
		case tds.TypeIntN:
			body = append(body, 4)
			iv, _ := v.(int32)
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, uint32(iv))
			body = append(body, b...)
		case tds.TypeNVarChar:
			sv, _ := v.(string)
			enc := encodeUTF16LE(sv)
			lenBytes := make([]byte, 2)
			binary.LittleEndian.PutUint16(lenBytes, uint16(len(enc)))
			body = append(body, lenBytes...)
			body = append(body, enc...)
		}
	}
	return body
}
