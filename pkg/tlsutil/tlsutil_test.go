package tlsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/aul/pkg/log"
)

func TestClientTLSConfigBuildLoadsKeyPair(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	cfg, err := ClientTLSConfig{CertFile: certFile, KeyFile: keyFile}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
}

func TestClientTLSConfigBuildWithCAFile(t *testing.T) {
	dir := t.TempDir()
	certFile, _, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	cfg, err := ClientTLSConfig{CAFile: certFile}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected RootCAs to be populated from CAFile")
	}
}

func TestClientTLSConfigBuildRejectsEmptyCAFile(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(bogus, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := (ClientTLSConfig{CAFile: bogus}).Build(); err == nil {
		t.Error("expected Build to reject a CA file with no parseable certificates")
	}
}

func TestCertWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := GenerateAndSaveCert(dir)
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	logger := log.New(log.Config{DefaultLevel: log.LevelError})
	w, err := NewCertWatcher(ClientTLSConfig{CertFile: certFile, KeyFile: keyFile}, logger)
	if err != nil {
		t.Fatalf("NewCertWatcher failed: %v", err)
	}
	w.debounceDelay = 20 * time.Millisecond

	first, err := w.GetClientCertificate(nil)
	if err != nil {
		t.Fatalf("GetClientCertificate failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected an initial certificate")
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	// Regenerate the certificate in place; the watcher should pick up the
	// new key pair without the caller rebuilding the tls.Config.
	newCertFile, newKeyFile, err := GenerateAndSaveCert(t.TempDir())
	if err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}
	newCertBytes, err := os.ReadFile(newCertFile)
	if err != nil {
		t.Fatalf("reading new cert: %v", err)
	}
	newKeyBytes, err := os.ReadFile(newKeyFile)
	if err != nil {
		t.Fatalf("reading new key: %v", err)
	}
	if err := os.WriteFile(certFile, newCertBytes, 0644); err != nil {
		t.Fatalf("writing cert: %v", err)
	}
	if err := os.WriteFile(keyFile, newKeyBytes, 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		second, err := w.GetClientCertificate(nil)
		if err != nil {
			t.Fatalf("GetClientCertificate failed: %v", err)
		}
		if second != first {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after the underlying files changed")
}

func TestNewCertWatcherRequiresBothFiles(t *testing.T) {
	if _, err := NewCertWatcher(ClientTLSConfig{CertFile: "cert.pem"}, nil); err == nil {
		t.Error("expected an error when KeyFile is missing")
	}
}
