package tds

import "fmt"

// TokenType identifies a token in a server reply stream.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79 // 121
	TokenColMetadata   TokenType = 0x81 // 129
	TokenOrder         TokenType = 0xA9 // 169
	TokenError         TokenType = 0xAA // 170
	TokenInfo          TokenType = 0xAB // 171
	TokenReturnValue   TokenType = 0xAC // 172
	TokenLoginAck      TokenType = 0xAD // 173
	TokenFeatureExtAck TokenType = 0xAE // 174
	TokenRow           TokenType = 0xD1 // 209
	TokenNBCRow        TokenType = 0xD2 // 210
	TokenSSPI          TokenType = 0xED // 237
	TokenFedAuthInfo   TokenType = 0xEE // 238
	TokenEnvChange     TokenType = 0xE3 // 227
	TokenSessionState  TokenType = 0xE4 // 228
	TokenColInfo       TokenType = 0xA5 // 165
	TokenTabName       TokenType = 0xA4 // 164
	TokenDataClassif   TokenType = 0xA3 // 163
	TokenOffset        TokenType = 0x78 // 120
	TokenDone          TokenType = 0xFD // 253
	TokenDoneProc      TokenType = 0xFE // 254
	TokenDoneInProc    TokenType = 0xFF // 255
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenSSPI:
		return "SSPI"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenSessionState:
		return "SESSIONSTATE"
	case TokenColInfo:
		return "COLINFO"
	case TokenTabName:
		return "TABNAME"
	case TokenDataClassif:
		return "DATACLASSIFICATION"
	case TokenOffset:
		return "OFFSET"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// DONE/DONEPROC/DONEINPROC status bits.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE types.
const (
	EnvDatabase            uint8 = 1
	EnvLanguage            uint8 = 2
	EnvCharset             uint8 = 3
	EnvPacketSize          uint8 = 4
	EnvSortID              uint8 = 5
	EnvSortFlags           uint8 = 6
	EnvSQLCollation        uint8 = 7
	EnvBeginTran           uint8 = 8
	EnvCommitTran          uint8 = 9
	EnvRollbackTran        uint8 = 10
	EnvEnlistDTC           uint8 = 11
	EnvDefectTran          uint8 = 12
	EnvMirrorPartner       uint8 = 13
	EnvPromoteTran         uint8 = 15
	EnvTranMgrAddr         uint8 = 16
	EnvTranEnded           uint8 = 17
	EnvResetConnAck        uint8 = 18
	EnvStartedInstanceName uint8 = 19
	EnvRouting             uint8 = 20
)

// LoginAckInterface identifies the server interface reported in LOGINACK.
type LoginAckInterface uint8

const (
	LoginAckSQL70   LoginAckInterface = 0x70
	LoginAckSQL2000 LoginAckInterface = 0x71
	LoginAckSQL2005 LoginAckInterface = 0x72
	LoginAckSQL2008 LoginAckInterface = 0x73
	LoginAckSQL2012 LoginAckInterface = 0x74
)
