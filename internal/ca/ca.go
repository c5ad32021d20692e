// Package ca implements the certificate authority: a persistent root
// loaded from (or generated into) a
// configured directory, and an in-memory, exact-domain leaf cache minted
// lazily on first use by the TLS MITM proxy.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawpot/clawpotd/internal/errx"
)

const (
	rootKeyBits = 2048
	leafKeyBits = 2048
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CA holds the persistent root and a lazily-populated leaf cache keyed
// by exact domain string. Wildcard handling is intentionally absent.
type CA struct {
	dir string

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	mu    sync.RWMutex
	leaves map[string]*tls.Certificate
}

// Load loads the root cert/key from dir (ca.crt/ca.key), generating and
// persisting a fresh self-signed root (overwriting both files) if ca.crt
// does not exist or the pair cannot be read and parsed.
func Load(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errx.Wrap(ErrLoadCA, err)
	}

	c := &CA{dir: dir, leaves: make(map[string]*tls.Certificate)}

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if _, err := os.Stat(certPath); err == nil {
		if err := c.loadRoot(certPath, keyPath); err == nil {
			return c, nil
		}
	}

	if err := c.generateRoot(); err != nil {
		return nil, errx.Wrap(ErrGenerateCA, err)
	}
	if err := c.saveRoot(certPath, keyPath); err != nil {
		return nil, errx.Wrap(ErrSaveCA, err)
	}
	return c, nil
}

func (c *CA) loadRoot(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errx.With(ErrLoadCA, " %s is not PEM", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errx.With(ErrLoadCA, " %s is not PEM", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return err
	}

	c.rootCert = cert
	c.rootKey = key
	return nil
}

func (c *CA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"clawpot"},
			CommonName:   "clawpot interception root",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	c.rootKey = key
	c.rootCert = cert
	return nil
}

func (c *CA) saveRoot(certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootCert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(c.rootKey)})
	return os.WriteFile(keyPath, keyPEM, 0600)
}

// GetOrCreateCert returns the cached leaf for domain, minting and
// caching a fresh one signed by the root if this is the first request
// for it. The cache never evicts entries.
func (c *CA) GetOrCreateCert(domain string) (*tls.Certificate, error) {
	c.mu.RLock()
	if cert, ok := c.leaves[domain]; ok {
		c.mu.RUnlock()
		return cert, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cert, ok := c.leaves[domain]; ok {
		return cert, nil
	}

	cert, err := c.mintLeaf(domain)
	if err != nil {
		return nil, errx.Wrap(ErrMintLeaf, err)
	}
	c.leaves[domain] = cert
	return cert, nil
}

func (c *CA) mintLeaf(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.rootCert, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.rootCert.Raw},
		PrivateKey:  key,
	}, nil
}

// RootCertPEM returns the root certificate in PEM form, for guests that
// need to trust it.
func (c *CA) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootCert.Raw})
}

// RootCertPath returns the on-disk path of the persisted root cert.
func (c *CA) RootCertPath() string {
	return filepath.Join(c.dir, "ca.crt")
}
