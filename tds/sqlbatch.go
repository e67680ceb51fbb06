package tds

import "encoding/binary"

// SQLBatchRequest is an unparameterized SQLBatch message: ALL_HEADERS
// followed by the UTF-16LE query text. Used for queries with no parameters;
// parameterized queries go out as an RPC request against sp_executesql
// instead (see ExecuteSQL).
type SQLBatchRequest struct {
	Text                    string
	TransactionDescriptor   uint64
	OutstandingRequestCount uint32
}

// Encode serializes the SQLBatch message body (the part that follows the
// 8-byte packet header and precedes final chunking by Conn.WritePacket).
func (b *SQLBatchRequest) Encode() []byte {
	var buf []byte
	buf = append(buf, encodeAllHeadersRaw(b.TransactionDescriptor, b.OutstandingRequestCount)...)
	buf = append(buf, stringToUCS2(b.Text)...)
	return buf
}

// encodeAllHeadersRaw builds the same TRANSACTION_DESCRIPTOR ALL_HEADERS
// block as RPCRequest.encodeAllHeaders; factored out so SQLBatch and RPC
// share one implementation.
func encodeAllHeadersRaw(txDescriptor uint64, outstanding uint32) []byte {
	const headerType = 2
	headerLen := uint32(4 + 2 + 8 + 4)
	totalLen := uint32(4) + headerLen

	buf := make([]byte, 0, totalLen)
	tmp4 := make([]byte, 4)

	binary.LittleEndian.PutUint32(tmp4, totalLen)
	buf = append(buf, tmp4...)
	binary.LittleEndian.PutUint32(tmp4, headerLen)
	buf = append(buf, tmp4...)
	buf = append(buf, byte(headerType), byte(headerType>>8))

	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, txDescriptor)
	buf = append(buf, tmp8...)

	binary.LittleEndian.PutUint32(tmp4, outstanding)
	buf = append(buf, tmp4...)

	return buf
}
