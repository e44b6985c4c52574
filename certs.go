package paygate

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultLeafValidity is the lifetime of minted host certificates.
const DefaultLeafValidity = 7 * 24 * time.Hour

// CertManager signs per host leaf certificates with a local CA so the
// proxy can read intercepted TLS traffic. Leaves are cached until they
// are within an hour of expiry.
type CertManager struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	caPEM  []byte

	// LeafValidity for minted certificates (default DefaultLeafValidity).
	LeafValidity time.Duration

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCertManager loads the CA from certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from a PEM encoded CA
// certificate and key. RSA (PKCS1 or PKCS8) and ECDSA keys are accepted.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, errors.New("decode CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !caCert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, errors.New("decode CA key PEM")
	}
	caKey, err := parseSigner(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		caPEM:        caCertPEM,
		LeafValidity: DefaultLeafValidity,
		cache:        make(map[string]*tls.Certificate),
	}, nil
}

func parseSigner(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key type %T cannot sign", key)
	}
	return signer, nil
}

// CACertPEM returns the CA certificate clients must trust.
func (cm *CertManager) CACertPEM() []byte { return cm.caPEM }

// GetCertificate is suitable for tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("no SNI provided")
	}
	return cm.GetCertificateForHost(hello.ServerName)
}

// GetCertificateForHost returns a leaf for host, minting one if needed.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)

	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok && fresh(cert) {
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cert, ok := cm.cache[host]; ok && fresh(cert) {
		return cert, nil
	}
	cert, err := cm.mint(host)
	if err != nil {
		return nil, err
	}
	cm.cache[host] = cert
	return cert, nil
}

// CachedHosts returns the number of cached leaf certificates.
func (cm *CertManager) CachedHosts() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

func fresh(cert *tls.Certificate) bool {
	return cert.Leaf != nil && time.Until(cert.Leaf.NotAfter) > time.Hour
}

func (cm *CertManager) mint(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	validity := cm.LeafValidity
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	notAfter := time.Now().Add(validity)
	if notAfter.After(cm.caCert.NotAfter) {
		notAfter = cm.caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: cm.caCert.Subject.Organization,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &key.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// GenerateCA generates a new CA certificate and private key, PEM encoded.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// WriteCA generates a CA and writes it to certPath and keyPath. It
// refuses to overwrite existing files.
func WriteCA(certPath, keyPath, org string, validYears int) error {
	for _, p := range []string{certPath, keyPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		}
	}
	certPEM, keyPEM, err := GenerateCA(org, validYears)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}
