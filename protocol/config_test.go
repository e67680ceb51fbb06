package protocol

import "testing"

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 1433 {
		t.Errorf("expected default port 1433, got %d", cfg.Port)
	}
	if cfg.Encrypt != EncryptDisable {
		t.Errorf("expected default encrypt mode disable, got %v", cfg.Encrypt)
	}
	if cfg.Compat.ProcNameMode != 1 {
		t.Errorf("expected default ProcNameMode 1, got %d", cfg.Compat.ProcNameMode)
	}
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg := NewConfig(
		WithHost("db.example.com"),
		WithPort(14330),
		WithCredentials("sa", "s3cret"),
		WithDatabase("mydb"),
		WithEncrypt(EncryptFull),
	)

	if cfg.Host != "db.example.com" || cfg.Port != 14330 {
		t.Errorf("unexpected host/port: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.User != "sa" || cfg.Password != "s3cret" {
		t.Errorf("unexpected credentials: %s/%s", cfg.User, cfg.Password)
	}
	if cfg.Database != "mydb" {
		t.Errorf("unexpected database: %s", cfg.Database)
	}
	if cfg.Encrypt != EncryptFull {
		t.Errorf("unexpected encrypt mode: %v", cfg.Encrypt)
	}
	if addr := cfg.Addr(); addr != "db.example.com:14330" {
		t.Errorf("unexpected Addr(): %s", addr)
	}
}

func TestLoadConfigEnvironmentOverridesDefaultsAndOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("MSSQL_HOST", "env-host")
	t.Setenv("MSSQL_PORT", "9999")
	t.Setenv("MSSQL_USER", "env-user")

	cfg, err := LoadConfig(WithPort(1111))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Host != "env-host" {
		t.Errorf("expected env var to set host, got %s", cfg.Host)
	}
	if cfg.User != "env-user" {
		t.Errorf("expected env var to set user, got %s", cfg.User)
	}
	if cfg.Port != 1111 {
		t.Errorf("expected functional option to override env var for port, got %d", cfg.Port)
	}
}

func TestLoadConfigRejectsInvalidEnv(t *testing.T) {
	t.Setenv("MSSQL_PORT", "not-a-number")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error for a non-numeric MSSQL_PORT")
	}
}

func TestParseEncryptMode(t *testing.T) {
	cases := map[string]EncryptMode{
		"disable":    EncryptDisable,
		"login-only": EncryptLoginOnly,
		"full":       EncryptFull,
		"strict":     EncryptStrict,
	}
	for s, want := range cases {
		got, err := ParseEncryptMode(s)
		if err != nil || got != want {
			t.Errorf("ParseEncryptMode(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseEncryptMode("bogus"); err == nil {
		t.Error("expected an error for an unrecognized encrypt mode")
	}
}
