// Package protocol implements the client-direction connection state machine,
// request pipeline, and result assembly that sit on top of the tds wire
// package: PRELOGIN/LOGIN7/SQLBATCH/RPC orchestration, FIFO request
// serialization, and token-stream-to-Go-value result assembly.
package protocol

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ha1tch/aul/tds"
)

// EncryptMode selects how this client negotiates transport encryption.
type EncryptMode int

const (
	EncryptDisable  EncryptMode = iota // never request encryption (ENCRYPT_NOT_SUP)
	EncryptLoginOnly                   // encrypt only PRELOGIN/LOGIN7, plaintext after (not implemented as a downgrade; treated as EncryptFull)
	EncryptFull                        // encrypt the whole session (ENCRYPT_ON)
	EncryptStrict                      // TDS 8.0 strict encryption, recognized but not negotiated by this client
)

func ParseEncryptMode(s string) (EncryptMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disable":
		return EncryptDisable, nil
	case "login", "loginonly", "login-only":
		return EncryptLoginOnly, nil
	case "full", "true", "on", "yes":
		return EncryptFull, nil
	case "strict":
		return EncryptStrict, nil
	default:
		return EncryptDisable, fmt.Errorf("unknown encrypt mode %q", s)
	}
}

// RPCCompat mirrors tds.RPCCompat with the environment-variable names and
// defaults §6/§9 of the wire contract specify; it is copied onto every
// tds.RPCRequest this connection builds.
type RPCCompat = tds.RPCCompat

// Config carries everything needed to dial and authenticate a connection.
// Layering: LoadConfig applies DefaultConfig -> environment variables ->
// functional options, later layers overriding earlier ones; NewConfig
// applies options to DefaultConfig without reading the environment. There
// is no JSON file layer.
type Config struct {
	Host                   string
	Port                   int
	User                   string
	Password               string
	Database               string
	Encrypt                EncryptMode
	TrustServerCertificate bool
	ServerName             string // SNI / certificate CN override; defaults to Host
	AppName                string
	PacketSize             int
	DialTimeoutMS          int
	ReadTimeoutMS          int
	WriteTimeoutMS         int

	Compat RPCCompat

	TokenRingSize      int
	StallSnapshotLimit int
}

// DefaultConfig returns the baseline configuration: no encryption, default
// packet size, and the §6 default compatibility toggles.
func DefaultConfig() Config {
	return Config{
		Port:               1433,
		Encrypt:            EncryptDisable,
		AppName:            "aul-tds-client",
		PacketSize:         tds.DefaultPacketSize,
		DialTimeoutMS:      15000,
		Compat:             RPCCompat{ProcNameMode: 1},
		TokenRingSize:      128,
		StallSnapshotLimit: 3,
	}
}

// Option mutates a Config, applied after the environment layer in LoadConfig.
type Option func(*Config)

func WithHost(host string) Option       { return func(c *Config) { c.Host = host } }
func WithPort(port int) Option          { return func(c *Config) { c.Port = port } }
func WithCredentials(user, password string) Option {
	return func(c *Config) { c.User = user; c.Password = password }
}
func WithDatabase(db string) Option     { return func(c *Config) { c.Database = db } }
func WithEncrypt(mode EncryptMode) Option {
	return func(c *Config) { c.Encrypt = mode }
}
func WithTrustServerCertificate(trust bool) Option {
	return func(c *Config) { c.TrustServerCertificate = trust }
}
func WithAppName(name string) Option { return func(c *Config) { c.AppName = name } }
func WithPacketSize(size int) Option { return func(c *Config) { c.PacketSize = size } }
func WithCompat(compat RPCCompat) Option {
	return func(c *Config) { c.Compat = compat }
}

// NewConfig builds a Config starting from DefaultConfig and applying opts in
// order; the last option to touch a field wins.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfig layers environment variables onto DefaultConfig, then applies
// opts, per §4.K: MSSQL_HOST, MSSQL_PORT, MSSQL_USER, MSSQL_PASSWORD,
// MSSQL_DATABASE, MSSQL_ENCRYPT, MSSQL_TRUST_SERVER_CERT, MSSQL_APP_NAME,
// plus the compatibility-toggle names from §6 (uppercased, MSSQL_-prefixed).
func LoadConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("MSSQL_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("MSSQL_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_PORT: %w", err)
		}
		cfg.Port = p
	}
	if v, ok := os.LookupEnv("MSSQL_USER"); ok {
		cfg.User = v
	}
	if v, ok := os.LookupEnv("MSSQL_PASSWORD"); ok {
		cfg.Password = v
	}
	if v, ok := os.LookupEnv("MSSQL_DATABASE"); ok {
		cfg.Database = v
	}
	if v, ok := os.LookupEnv("MSSQL_ENCRYPT"); ok {
		mode, err := ParseEncryptMode(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_ENCRYPT: %w", err)
		}
		cfg.Encrypt = mode
	}
	if v, ok := os.LookupEnv("MSSQL_TRUST_SERVER_CERT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_TRUST_SERVER_CERT: %w", err)
		}
		cfg.TrustServerCertificate = b
	}
	if v, ok := os.LookupEnv("MSSQL_APP_NAME"); ok {
		cfg.AppName = v
	}

	if v, ok := os.LookupEnv("MSSQL_RPC_PROCNAME_MODE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_RPC_PROCNAME_MODE: %w", err)
		}
		cfg.Compat.ProcNameMode = n
	}
	if v, ok := os.LookupEnv("MSSQL_RPC_PARAMNAME_ASCII"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_RPC_PARAMNAME_ASCII: %w", err)
		}
		cfg.Compat.ParamNameASCII = b
	}
	if v, ok := os.LookupEnv("MSSQL_RPC_DEC_TYPEINFO_SCALE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_RPC_DEC_TYPEINFO_SCALE: %w", err)
		}
		cfg.Compat.DecTypeInfoScale = b
	}
	if v, ok := os.LookupEnv("MSSQL_RPC_OUT_INT_LEN0"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_RPC_OUT_INT_LEN0: %w", err)
		}
		cfg.Compat.OutIntLen0 = b
	}
	if v, ok := os.LookupEnv("MSSQL_TOKEN_RING_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_TOKEN_RING_SIZE: %w", err)
		}
		cfg.TokenRingSize = n
	}
	if v, ok := os.LookupEnv("MSSQL_STALL_SNAPSHOT_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MSSQL_STALL_SNAPSHOT_LIMIT: %w", err)
		}
		cfg.StallSnapshotLimit = n
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// Addr returns the "host:port" dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PoolConfig configures the connection pool. LoadPoolConfig layers
// environment variables onto DefaultPoolConfig; it takes no options.
type PoolConfig struct {
	MaxConcurrent   int
	MinIdle         int
	IdleTimeoutS    int
	ValidationQuery string
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConcurrent: 10, MinIdle: 0, IdleTimeoutS: 300}
}

// LoadPoolConfig layers MSSQL_POOL_MAX, MSSQL_POOL_MIN_IDLE, and
// MSSQL_POOL_IDLE_TIMEOUT_S onto DefaultPoolConfig.
func LoadPoolConfig() (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	if v, ok := os.LookupEnv("MSSQL_POOL_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return PoolConfig{}, fmt.Errorf("MSSQL_POOL_MAX: %w", err)
		}
		cfg.MaxConcurrent = n
	}
	if v, ok := os.LookupEnv("MSSQL_POOL_MIN_IDLE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return PoolConfig{}, fmt.Errorf("MSSQL_POOL_MIN_IDLE: %w", err)
		}
		cfg.MinIdle = n
	}
	if v, ok := os.LookupEnv("MSSQL_POOL_IDLE_TIMEOUT_S"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return PoolConfig{}, fmt.Errorf("MSSQL_POOL_IDLE_TIMEOUT_S: %w", err)
		}
		cfg.IdleTimeoutS = n
	}
	return cfg, nil
}
