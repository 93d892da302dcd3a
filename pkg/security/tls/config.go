package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"
)

// Config describes TLS termination for one listener.
type Config struct {
	// CertFile and KeyFile are PEM-encoded paths.
	CertFile string
	KeyFile  string

	// MinVersion is "1.2" or "1.3". Empty means "1.3".
	MinVersion string

	// ReloadInterval is how often the key pair is checked for changes.
	// Zero disables reloading.
	ReloadInterval time.Duration
}

// NewServerConfig loads the key pair and returns a server tls.Config that
// always presents the most recently loaded certificate. When
// ReloadInterval is positive the reloader polls the files until ctx is
// done.
func NewServerConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*tls.Config, *CertificateReloader, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, fmt.Errorf("cert file and key file are required")
	}
	version, err := parseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, nil, err
	}

	reloader := NewCertificateReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval, logger)
	if err := reloader.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:     version,
		GetCertificate: reloader.GetCertificateFunc(),
		NextProtos:     []string{"h2", "http/1.1"},
	}
	if version == tls.VersionTLS12 {
		tlsConfig.CipherSuites = tls12CipherSuites
	}
	return tlsConfig, reloader, nil
}

// tls12CipherSuites are the AEAD suites offered to TLS 1.2 clients. TLS 1.3
// suites are not configurable.
var tls12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (valid: 1.2, 1.3)", v)
	}
}
