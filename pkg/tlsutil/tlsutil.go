// Package tlsutil provides utilities for TLS certificate generation and, for
// the client side, loading and hot-reloading certificate material used to
// authenticate to a SQL Server instance requiring mutual TLS.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/aul/pkg/log"
)

// GenerateSelfSignedCert generates a self-signed certificate and returns a tls.Config.
// The certificate is valid for localhost connections.
func GenerateSelfSignedCert() (*tls.Config, error) {
	// Generate ECDSA private key
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	// Create certificate template
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"aul Development Server"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:              []string{"localhost"},
	}

	// Create certificate
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	// Encode to PEM
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})

	// Load as tls.Certificate
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12, // Force TLS 1.2 for JDBC/TDS compatibility
	}, nil
}

// GenerateAndSaveCert generates a self-signed certificate and saves it to files.
// Returns the paths to the certificate and key files.
func GenerateAndSaveCert(dir string) (certFile, keyFile string, err error) {
	// Generate ECDSA private key
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating private key: %w", err)
	}

	// Create certificate template
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generating serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"aul Development Server"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:              []string{"localhost"},
	}

	// Create certificate
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return "", "", fmt.Errorf("creating certificate: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("creating directory: %w", err)
	}

	// Write certificate
	certFile = filepath.Join(dir, "server.crt")
	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("creating cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return "", "", fmt.Errorf("writing cert: %w", err)
	}

	// Write private key
	keyFile = filepath.Join(dir, "server.key")
	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("creating key file: %w", err)
	}
	defer keyOut.Close()
	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes}); err != nil {
		return "", "", fmt.Errorf("writing key: %w", err)
	}

	return certFile, keyFile, nil
}

// ClientTLSConfig describes the certificate material a client loads from
// disk before connecting: an optional CA bundle to extend (not replace) the
// system trust store, and an optional client certificate/key pair for
// mutual TLS. A zero value builds a *tls.Config that trusts only the system
// pool and presents no client certificate.
type ClientTLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Build loads c's certificate material into a *tls.Config suitable as the
// RootCAs base passed to tds.TLSConfig, which layers ServerName and
// TrustServerCertificate on top.
func (c ClientTLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{}

	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// CertWatcher watches a ClientTLSConfig's certificate/key files for changes
// and hot-swaps the active client certificate without tearing down existing
// connections, via tls.Config.GetClientCertificate. New connections (and any
// renegotiation) pick up the latest certificate on their next handshake.
type CertWatcher struct {
	files  ClientTLSConfig
	logger *log.Logger

	fsWatcher *fsnotify.Watcher
	current   atomic.Pointer[tls.Certificate]

	stopCh chan struct{}
	doneCh chan struct{}

	debounceDelay time.Duration
	eventTimer    *time.Timer
}

// NewCertWatcher loads files.CertFile/files.KeyFile once to seed the initial
// certificate, then returns a CertWatcher ready for Start.
func NewCertWatcher(files ClientTLSConfig, logger *log.Logger) (*CertWatcher, error) {
	if files.CertFile == "" || files.KeyFile == "" {
		return nil, fmt.Errorf("tlsutil: CertWatcher requires both CertFile and KeyFile")
	}

	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading initial client key pair: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &CertWatcher{
		files:         files,
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 250 * time.Millisecond,
	}
	w.current.Store(&cert)
	return w, nil
}

// GetClientCertificate is assignable directly to tls.Config.GetClientCertificate.
func (w *CertWatcher) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return w.current.Load(), nil
}

// Start watches the certificate and key files' parent directories (fsnotify
// tracks directories, not bare file paths reliably across editors'
// write-via-rename patterns) and reloads on change.
func (w *CertWatcher) Start() error {
	for _, dir := range []string{filepath.Dir(w.files.CertFile), filepath.Dir(w.files.KeyFile)} {
		if err := w.fsWatcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	go w.run()
	return nil
}

// Stop stops the watcher and releases its fsnotify handle.
func (w *CertWatcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *CertWatcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			w.eventTimer = time.AfterFunc(w.debounceDelay, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Connection().Warn("certificate watcher error", "error", err.Error())
			}
		}
	}
}

func (w *CertWatcher) relevant(name string) bool {
	return name == w.files.CertFile || name == w.files.KeyFile
}

func (w *CertWatcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.files.CertFile, w.files.KeyFile)
	if err != nil {
		if w.logger != nil {
			w.logger.Connection().Warn("certificate reload failed, keeping previous certificate", "error", err.Error())
		}
		return
	}
	w.current.Store(&cert)
	if w.logger != nil {
		w.logger.Connection().Info("client certificate reloaded", "cert_file", w.files.CertFile)
	}
}
