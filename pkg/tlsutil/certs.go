package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SelfSignedValidity is the lifetime of the daemon's fallback certificate.
const SelfSignedValidity = 365 * 24 * time.Hour

// GenerateSelfSigned creates a self-signed certificate for hosts and returns
// the PEM-encoded certificate and RSA private key. The first host becomes
// the common name; IP literals go into the IP SANs.
func GenerateSelfSigned(hosts []string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("at least one host is required")
	}

	var (
		dnsNames    []string
		ipAddresses []net.IP
	)
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			ipAddresses = append(ipAddresses, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Portless"},
			CommonName:   hosts[0],
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// EnsureSelfSigned writes a self-signed pair for hosts to certFile and
// keyFile unless a valid pair is already there. It reports whether a new
// pair was generated.
func EnsureSelfSigned(certFile, keyFile string, hosts []string) (bool, error) {
	err := ValidateKeyPairFiles(certFile, keyFile)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrExpired) {
		return false, err
	}

	certPEM, keyPEM, err := GenerateSelfSigned(hosts, SelfSignedValidity)
	if err != nil {
		return false, err
	}
	if err := WriteKeyPair(certFile, keyFile, certPEM, keyPEM); err != nil {
		return false, err
	}
	return true, nil
}

// WriteKeyPair writes a PEM pair, creating parent directories. The key file
// is only readable by the owner.
func WriteKeyPair(certFile, keyFile string, certPEM, keyPEM []byte) error {
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	return nil
}

// ErrExpired is returned for certificates outside their validity window.
var ErrExpired = errors.New("certificate is not valid at this time")

// ValidateKeyPairFiles loads the pair at certFile and keyFile and checks that
// the key matches and the leaf is currently valid. A missing file yields an
// error wrapping fs.ErrNotExist.
func ValidateKeyPairFiles(certFile, keyFile string) error {
	for _, f := range []string{certFile, keyFile} {
		if _, err := os.Stat(f); err != nil {
			return err
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("invalid key pair: %w", err)
	}
	return ValidateCertificate(&cert)
}

// ValidateCertificate checks that cert has a leaf that is currently valid.
func ValidateCertificate(cert *tls.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certificate chain is empty")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	return ValidateX509Certificate(leaf)
}

// ValidateX509Certificate validates an x509 certificate for expiration.
func ValidateX509Certificate(cert *x509.Certificate) error {
	now := time.Now()

	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: valid from %s", ErrExpired, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: expired on %s", ErrExpired, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// ParseCertificateFile returns the leaf certificate of the PEM file at path.
func ParseCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %q", path)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// ExpiresWithin reports whether cert expires in less than d.
func ExpiresWithin(cert *x509.Certificate, d time.Duration) bool {
	return time.Until(cert.NotAfter) < d
}
