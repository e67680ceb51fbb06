package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80     uint32 = 0x08000000 // TDS 8.0 (strict encryption), recognized but not negotiated
)

func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	case VerTDS80:
		return "8.0"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// PRELOGIN option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption negotiation values.
const (
	EncryptOff    uint8 = 0x00 // client/server support but do not require encryption
	EncryptOn     uint8 = 0x01 // client/server support and request encryption
	EncryptNotSup uint8 = 0x02 // encryption not supported
	EncryptReq    uint8 = 0x03 // encryption required
	EncryptStrict uint8 = 0x04 // strict (TDS 8.0) encryption, not negotiated by this client
)

// PreloginRequest is the set of options the client sends in its PRELOGIN
// message, before any LOGIN7 packet, per §6 of the wire contract.
type PreloginRequest struct {
	Version    [6]byte // 4-byte client version + 2-byte subbuild
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

// Encode serializes the PRELOGIN request to its wire form: a 5-byte option
// header per option (token, 2-byte BE offset, 2-byte BE length) terminated
// by PreloginTerminator, followed by the concatenated option payloads.
func (p *PreloginRequest) Encode() []byte {
	instance := append([]byte(p.Instance), 0) // NUL-terminated

	type opt struct {
		token uint8
		data  []byte
	}
	opts := []opt{
		{PreloginVersion, p.Version[:]},
		{PreloginEncryption, []byte{p.Encryption}},
		{PreloginInstOpt, instance},
		{PreloginThreadID, encodeBE32(p.ThreadID)},
		{PreloginMARS, []byte{p.MARS}},
	}

	headerSize := len(opts)*5 + 1
	offset := uint16(headerSize)

	buf := make([]byte, 0, headerSize+64)
	header := make([]byte, 0, headerSize)
	var body []byte

	for _, o := range opts {
		header = append(header, o.token)
		header = append(header, byte(offset>>8), byte(offset))
		l := uint16(len(o.data))
		header = append(header, byte(l>>8), byte(l))
		body = append(body, o.data...)
		offset += l
	}
	header = append(header, PreloginTerminator)

	buf = append(buf, header...)
	buf = append(buf, body...)
	return buf
}

func encodeBE32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// PreloginResponse is the server's reply to PreloginRequest.
type PreloginResponse struct {
	Version    ServerVersion
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
	FedAuth    uint8
	Nonce      []byte
}

// ServerVersion is the 6-byte server version reported in PRELOGIN.
type ServerVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// ParsePreloginResponse decodes the server's PRELOGIN reply bytes.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty prelogin response")
	}

	type optHdr struct {
		offset uint16
		length uint16
	}
	options := make(map[uint8]optHdr)

	offset := 0
	for {
		if offset >= len(data) {
			return nil, fmt.Errorf("prelogin response truncated reading options")
		}
		token := data[offset]
		if token == PreloginTerminator {
			break
		}
		if offset+5 > len(data) {
			return nil, fmt.Errorf("prelogin option header truncated")
		}
		options[token] = optHdr{
			offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	r := &PreloginResponse{}
	for token, h := range options {
		start, end := int(h.offset), int(h.offset)+int(h.length)
		if end > len(data) {
			return nil, fmt.Errorf("prelogin option %d out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				r.Version = ServerVersion{
					Major:    value[0],
					Minor:    value[1],
					Build:    binary.BigEndian.Uint16(value[2:4]),
					SubBuild: binary.BigEndian.Uint16(value[4:6]),
				}
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				r.Encryption = value[0]
			}
		case PreloginInstOpt:
			for i, b := range value {
				if b == 0 {
					r.Instance = string(value[:i])
					break
				}
			}
		case PreloginThreadID:
			if len(value) >= 4 {
				r.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				r.MARS = value[0]
			}
		case PreloginFedAuth:
			if len(value) >= 1 {
				r.FedAuth = value[0]
			}
		case PreloginNonceOpt:
			if len(value) >= 32 {
				r.Nonce = append([]byte(nil), value[:32]...)
			}
		}
	}

	return r, nil
}
