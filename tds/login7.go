package tds

import (
	"encoding/binary"
	"fmt"
)

// LOGIN7 option flags (OptionFlags1/2/3, TypeFlags).
const (
	FlagByteOrder uint8 = 0x01
	FlagChar      uint8 = 0x02
	FlagFloat     uint8 = 0x0C
	FlagDumpLoad  uint8 = 0x10
	FlagUseDB     uint8 = 0x20
	FlagDatabase  uint8 = 0x40
	FlagSetLang   uint8 = 0x80

	FlagLanguage      uint8 = 0x01
	FlagODBC          uint8 = 0x02
	FlagTransBoundary uint8 = 0x04
	FlagCacheConnect  uint8 = 0x08
	FlagIntSecurity   uint8 = 0x80

	FlagChangePassword   uint8 = 0x01
	FlagBinaryXML        uint8 = 0x02
	FlagUserInstance     uint8 = 0x04
	FlagUnknownCollation uint8 = 0x08
	FlagExtension        uint8 = 0x10

	FlagReadOnlyIntent uint8 = 0x20
)

// Login7HeaderSize is the fixed size of the LOGIN7 header.
const Login7HeaderSize = 94

// Login7Request holds everything the client needs to build a LOGIN7 packet.
type Login7Request struct {
	TDSVersion    uint32
	PacketSize    uint32
	ClientProgVer uint32
	ClientPID     uint32
	ClientTimeZone int32
	ClientLCID    uint32

	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string // client interface/library name
	Language   string
	Database   string

	ReadOnlyIntent bool
	EnableFedAuth  bool // not read by Encode: the extension flag is set whenever FeatureExt is non-empty
	FeatureExt     []byte
}

// Encode serializes the LOGIN7 request: a fixed 94-byte header followed by
// the variable-length string fields in the order the header's offset table
// names them, all UCS-2 (UTF-16LE) encoded except Password/ChangePassword
// which are additionally mangled.
func (l *Login7Request) Encode() ([]byte, error) {
	host := stringToUCS2(l.HostName)
	user := stringToUCS2(l.UserName)
	pass := mangleLogin7Password(l.Password)
	app := stringToUCS2(l.AppName)
	server := stringToUCS2(l.ServerName)
	ctlInt := stringToUCS2(l.CtlIntName)
	lang := stringToUCS2(l.Language)
	db := stringToUCS2(l.Database)

	// clientID is a MAC-address-shaped 6 bytes; a TDS client has no NIC
	// identity to report, so zero-fill it (accepted by every server that
	// doesn't enforce client fingerprinting).
	var clientID [6]byte

	offset := uint16(Login7HeaderSize)
	hostOff, hostLen := offset, uint16(len(l.HostName))
	offset += uint16(len(host))
	userOff, userLen := offset, uint16(len(l.UserName))
	offset += uint16(len(user))
	passOff, passLen := offset, uint16(len(l.Password))
	offset += uint16(len(pass))
	appOff, appLen := offset, uint16(len(l.AppName))
	offset += uint16(len(app))
	serverOff, serverLen := offset, uint16(len(l.ServerName))
	offset += uint16(len(server))
	extOff := offset // extension offset; feature ext block follows if present
	var extLen uint16
	if len(l.FeatureExt) > 0 {
		extLen = 4 // the offset field itself; actual bytes appended after all strings
	}
	offset += extLen
	ctlIntOff, ctlIntLen := offset, uint16(len(l.CtlIntName))
	offset += uint16(len(ctlInt))
	langOff, langLen := offset, uint16(len(l.Language))
	offset += uint16(len(lang))
	dbOff, dbLen := offset, uint16(len(l.Database))
	offset += uint16(len(db))

	var featureExtOffset uint32
	if len(l.FeatureExt) > 0 {
		featureExtOffset = uint32(offset)
		offset += uint16(len(l.FeatureExt))
	}

	totalLen := uint32(offset)

	buf := make([]byte, Login7HeaderSize, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], l.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], l.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], l.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], l.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID, always 0 from client

	optionFlags1 := FlagByteOrder&0 | FlagUseDB | FlagSetLang // ASCII charset (bit clear), little-endian (bit clear)
	optionFlags2 := FlagODBC
	var optionFlags3 uint8
	if len(l.FeatureExt) > 0 {
		optionFlags3 |= FlagExtension
	}
	var typeFlags uint8
	if l.ReadOnlyIntent {
		typeFlags |= FlagReadOnlyIntent
	}

	buf[24] = optionFlags1
	buf[25] = optionFlags2
	buf[26] = typeFlags
	buf[27] = optionFlags3
	binary.LittleEndian.PutUint32(buf[28:32], uint32(l.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], l.ClientLCID)

	putOffLen(buf, 36, hostOff, hostLen)
	putOffLen(buf, 40, userOff, userLen)
	putOffLen(buf, 44, passOff, passLen)
	putOffLen(buf, 48, appOff, appLen)
	putOffLen(buf, 52, serverOff, serverLen)
	putOffLen(buf, 56, uint16(extOff), extLen)
	putOffLen(buf, 60, ctlIntOff, ctlIntLen)
	putOffLen(buf, 64, langOff, langLen)
	putOffLen(buf, 68, dbOff, dbLen)
	copy(buf[72:78], clientID[:])
	putOffLen(buf, 78, 0, 0) // SSPI: unused, this client authenticates with SQL auth only
	putOffLen(buf, 82, 0, 0) // AtchDBFile: unused
	putOffLen(buf, 86, 0, 0) // ChangePassword: unused
	binary.LittleEndian.PutUint32(buf[90:94], 0)

	buf = append(buf, host...)
	buf = append(buf, user...)
	buf = append(buf, pass...)
	buf = append(buf, app...)
	buf = append(buf, server...)
	if len(l.FeatureExt) > 0 {
		extOffBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(extOffBytes, featureExtOffset)
		buf = append(buf, extOffBytes...)
	}
	buf = append(buf, ctlInt...)
	buf = append(buf, lang...)
	buf = append(buf, db...)
	if len(l.FeatureExt) > 0 {
		buf = append(buf, l.FeatureExt...)
	}

	if uint32(len(buf)) != totalLen {
		return nil, fmt.Errorf("login7: encoded length %d does not match computed length %d", len(buf), totalLen)
	}

	return buf, nil
}

func putOffLen(buf []byte, at int, off, length uint16) {
	binary.LittleEndian.PutUint16(buf[at:at+2], off)
	binary.LittleEndian.PutUint16(buf[at+2:at+4], length)
}

// mangleLogin7Password obfuscates a password for the wire: nibble-swap each
// byte, then XOR with 0xA5. This is the inverse, in reverse operation
// order, of the server-side unmangle (XOR 0xA5, then nibble-swap) so that
// unmangle(mangle(p)) == p.
func mangleLogin7Password(password string) []byte {
	raw := stringToUCS2(password)
	out := make([]byte, len(raw))
	for i, b := range raw {
		swapped := (b >> 4) | (b << 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}
