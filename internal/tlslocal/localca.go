// Package tlslocal mints a throwaway, in-memory CA and leaf certificate for
// the redirect server's optional HTTPS listener. Nothing here ever touches
// disk: the CA key lives only for the daemon's lifetime, consistent with
// pizauthd never persisting secret material.
package tlslocal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"
)

// EnsureServerTLSConfig generates a fresh in-memory CA and a localhost leaf
// certificate signed by it, returning a *tls.Config ready for the redirect
// server's HTTPS listener. Called once per daemon run; the result is not
// cached to disk, so every daemon restart mints a new CA and the browser
// must accept a new self-signed certificate.
func EnsureServerTLSConfig() (*tls.Config, error) {
	caCert, caKey, err := genLocalCA()
	if err != nil {
		return nil, err
	}
	leafCert, err := genServerCert(caCert, caKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*leafCert},
		NextProtos:   []string{"http/1.1"},
	}, nil
}

func genLocalCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          bigIntNow(),
		Subject:               pkix.Name{CommonName: "pizauth local CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, priv, nil
}

func genServerCert(ca *x509.Certificate, caKey *ecdsa.PrivateKey) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: bigIntNow(),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  leafKey,
	}, nil
}

func bigIntNow() *big.Int { return new(big.Int).SetInt64(time.Now().UnixNano()) }
