package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	// certificateLifetime is the self-signed certificate validity window.
	// Certificates are never rotated automatically; trust is bound to the
	// pinned fingerprint, not the expiry.
	certificateLifetime = 10 * 365 * 24 * time.Hour
)

// EnsureCertificate loads the persisted device certificate, generating and
// persisting a new self-signed key pair bound to deviceID on first run.
func EnsureCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	if deviceID == "" {
		return tls.Certificate{}, errors.New("device ID is required")
	}

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return loadCertificate(certPath, keyPath)
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return tls.Certificate{}, fmt.Errorf("stat certificate: %w", certErr)
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return tls.Certificate{}, fmt.Errorf("stat private key: %w", keyErr)
	}

	return generateCertificate(certPath, keyPath, deviceID)
}

func loadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load device certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse device certificate: %w", err)
	}
	cert.Leaf = leaf
	return cert, nil
}

func generateCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate device key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"goconnect"},
			OrganizationalUnit: []string{"goconnect"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create device certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal device key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write private key: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of a certificate in
// DER form.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// CertificateFingerprint returns the fingerprint of a parsed certificate.
func CertificateFingerprint(cert *x509.Certificate) string {
	return Fingerprint(cert.Raw)
}

// FormatFingerprint renders a fingerprint as colon-separated byte pairs for
// display.
func FormatFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(fingerprint); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(fingerprint) {
			end = len(fingerprint)
		}
		b.WriteString(strings.ToUpper(fingerprint[i:end]))
	}
	return b.String()
}
