package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"
)

const expiryWarningDays = 30

// leaf parses the first certificate of a key pair.
func leaf(pair *tls.Certificate) (*x509.Certificate, error) {
	if pair == nil || len(pair.Certificate) == 0 {
		return nil, fmt.Errorf("key pair has no certificate")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ValidateCertificate rejects a key pair whose leaf is outside its validity
// period at now.
func ValidateCertificate(pair *tls.Certificate, now time.Time) error {
	cert, err := leaf(pair)
	if err != nil {
		return err
	}
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// CertificateInfo summarizes a served certificate for logs.
type CertificateInfo struct {
	Subject       string
	Issuer        string
	DNSNames      []string
	IPAddresses   []string
	NotAfter      time.Time
	DaysRemaining int
}

// Describe summarizes cert as of now.
func Describe(cert *x509.Certificate, now time.Time) CertificateInfo {
	info := CertificateInfo{
		Subject:       cert.Subject.CommonName,
		Issuer:        cert.Issuer.CommonName,
		DNSNames:      cert.DNSNames,
		NotAfter:      cert.NotAfter,
		DaysRemaining: int(cert.NotAfter.Sub(now).Hours() / 24),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// ExpiresSoon reports whether fewer than 30 days remain.
func (i CertificateInfo) ExpiresSoon() bool {
	return i.DaysRemaining < expiryWarningDays
}

// LogValue implements slog.LogValuer.
func (i CertificateInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("subject", i.Subject),
		slog.String("issuer", i.Issuer),
		slog.Any("dns_names", i.DNSNames),
		slog.Any("ip_addresses", i.IPAddresses),
		slog.Int("expires_in_days", i.DaysRemaining),
		slog.String("expires_at", i.NotAfter.Format(time.RFC3339)),
	)
}
