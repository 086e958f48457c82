// Package tls builds the STARTTLS configuration for the SMTP listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// certValidity is the lifetime of a generated certificate.
const certValidity = 365 * 24 * time.Hour

// ErrPartialKeyPair is returned when only one of the certificate and key
// files is configured.
var ErrPartialKeyPair = errors.New("tls: cert_file and key_file must be set together")

// Options selects where the server certificate comes from. With both files
// empty a self-signed certificate is generated for Hostname.
type Options struct {
	CertFile string
	KeyFile  string
	Hostname string
}

// SelfSigned generates an in-memory ECDSA P-256 certificate for hostname.
// The SANs always include localhost and 127.0.0.1 so local submissions from
// the mail platform verify against it.
func SelfSigned(hostname string) (*tls.Certificate, error) {
	if hostname == "" {
		hostname = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"brevo-relay"},
		},
		NotBefore: now.Add(-time.Minute),
		NotAfter:  now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	addSANs(template, hostname)

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// addSANs puts hostname into the DNS or IP SANs, plus the loopback names.
func addSANs(c *x509.Certificate, hostname string) {
	names := map[string]bool{}
	ips := map[string]bool{}

	for _, h := range []string{hostname, "localhost", "127.0.0.1"} {
		if ip := net.ParseIP(h); ip != nil {
			if !ips[ip.String()] {
				ips[ip.String()] = true
				c.IPAddresses = append(c.IPAddresses, ip)
			}
			continue
		}
		if !names[h] {
			names[h] = true
			c.DNSNames = append(c.DNSNames, h)
		}
	}
}

// Load returns a server tls.Config from the configured key pair, or from a
// freshly generated self-signed certificate when no files are configured.
func Load(opts Options) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		if _, err := os.Stat(opts.CertFile); err != nil {
			return nil, fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(opts.KeyFile); err != nil {
			return nil, fmt.Errorf("key file not found: %w", err)
		}

		loaded, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, ErrPartialKeyPair
	default:
		generated, err := SelfSigned(opts.Hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SelfSignedConfigured reports whether Load would generate a certificate.
func (o Options) SelfSignedConfigured() bool {
	return o.CertFile == "" && o.KeyFile == ""
}
