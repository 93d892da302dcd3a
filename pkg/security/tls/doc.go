// Package tls terminates TLS for the Warden listener.
//
// NewServerConfig loads a PEM key pair and returns a *tls.Config whose
// GetCertificate always serves the latest pair on disk:
//
//	tlsConfig, _, err := tls.NewServerConfig(ctx, tls.Config{
//	    CertFile:       "/etc/warden/tls/server.crt",
//	    KeyFile:        "/etc/warden/tls/server.key",
//	    MinVersion:     "1.3",
//	    ReloadInterval: 5 * time.Minute,
//	}, logger)
//	ln = tls.NewListener(ln, tlsConfig)
//
// Certificates outside their validity period are rejected at load time. A
// certificate within 30 days of expiry is logged as a warning on every
// load.
package tls
