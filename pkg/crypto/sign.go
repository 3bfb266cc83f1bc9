// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package crypto

import (
	"context"
	"crypto"
	cryptorand "crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
)

// CertificateSpec describes the certificate to issue.
type CertificateSpec struct {
	Subject      pkix.Name
	Domains      []string
	IPs          []string
	ValidityDays int
	IsCA         bool
	PathLen      *int
	KeyUsage     x509.KeyUsage
	ExtKeyUsage  []x509.ExtKeyUsage
}

func (s CertificateSpec) validity() time.Duration {
	if s.ValidityDays <= 0 {
		return DefaultCertValidity
	}
	return time.Duration(s.ValidityDays) * 24 * time.Hour
}

// SelfSign issues a self-signed certificate for the key at keyPath and
// writes it to certPath.
func (p *Provider) SelfSign(ctx context.Context, keyPath, passphrase, certPath string, spec CertificateSpec) (*ParsedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signer, err := p.LoadSigner(keyPath, passphrase)
	if err != nil {
		return nil, err
	}
	template, err := newTemplate(spec, signer.Public())
	if err != nil {
		return nil, err
	}
	return p.issue(template, template, signer.Public(), signer, certPath)
}

// CreateCSR writes a PEM certificate signing request for the key at keyPath.
func (p *Provider) CreateCSR(ctx context.Context, keyPath, passphrase, csrPath string, spec CertificateSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	signer, err := p.LoadSigner(keyPath, passphrase)
	if err != nil {
		return err
	}
	template := &x509.CertificateRequest{
		Subject:     spec.Subject,
		DNSNames:    append([]string(nil), spec.Domains...),
		IPAddresses: parseIPs(spec.IPs),
	}
	der, err := x509.CreateCertificateRequest(cryptorand.Reader, template, signer)
	if err != nil {
		return errdefs.CryptoError(errors.Wrap(err, "unable to create certificate request"))
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der})
	if err := fs.AtomicWrite(csrPath, data, 0o644); err != nil {
		return errdefs.IOError(err)
	}
	return nil
}

// SignCSR signs the request at csrPath with the CA material given and writes
// the certificate to certPath. Subject and SANs come from the CSR; validity,
// usages and CA-ness from spec.
func (p *Provider) SignCSR(ctx context.Context, csrPath, caCertPath, caKeyPath, caPassphrase, certPath string, spec CertificateSpec) (*ParsedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	csr, err := readCSR(csrPath)
	if err != nil {
		return nil, err
	}
	caCert, err := readCertificate(caCertPath)
	if err != nil {
		return nil, err
	}
	caKey, err := p.LoadSigner(caKeyPath, caPassphrase)
	if err != nil {
		return nil, err
	}

	spec.Subject = csr.Subject
	spec.Domains = csr.DNSNames
	spec.IPs = nil
	template, err := newTemplate(spec, csr.PublicKey)
	if err != nil {
		return nil, err
	}
	template.IPAddresses = csr.IPAddresses

	return p.issue(template, caCert, csr.PublicKey, caKey, certPath)
}

// RenewSpec tunes a renewal. Nil SAN slices preserve the existing
// certificate's SANs; non-nil slices replace them wholesale.
type RenewSpec struct {
	ValidityDays int
	Domains      []string
	IPs          []string
}

// Renew re-issues the certificate at existingCertPath with a fresh serial
// and validity window, preserving subject and SKI, and writes it to
// newCertPath. For a self-signed certificate, issuer paths point at the
// certificate's own files.
func (p *Provider) Renew(ctx context.Context, existingCertPath, newCertPath, issuerCertPath, issuerKeyPath, issuerPassphrase string, spec RenewSpec) (*ParsedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	existing, err := readCertificate(existingCertPath)
	if err != nil {
		return nil, err
	}
	issuerKey, err := p.LoadSigner(issuerKeyPath, issuerPassphrase)
	if err != nil {
		return nil, err
	}

	validity := DefaultCertValidity
	if spec.ValidityDays > 0 {
		validity = time.Duration(spec.ValidityDays) * 24 * time.Hour
	}

	serial, err := cryptorand.Int(cryptorand.Reader, SerialNumberLimit)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrap(err, "unable to generate serial number"))
	}

	domains := existing.DNSNames
	if spec.Domains != nil {
		domains = append([]string(nil), spec.Domains...)
	}
	ips := existing.IPAddresses
	if spec.IPs != nil {
		ips = parseIPs(spec.IPs)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               existing.Subject,
		DNSNames:              domains,
		IPAddresses:           ips,
		EmailAddresses:        existing.EmailAddresses,
		URIs:                  existing.URIs,
		NotBefore:             time.Now().Add(-10 * time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              existing.KeyUsage,
		ExtKeyUsage:           existing.ExtKeyUsage,
		IsCA:                  existing.IsCA,
		BasicConstraintsValid: existing.BasicConstraintsValid,
		MaxPathLen:            existing.MaxPathLen,
		MaxPathLenZero:        existing.MaxPathLenZero,
		SubjectKeyId:          existing.SubjectKeyId,
	}

	issuerCert := template
	selfRenewal := issuerCertPath == "" || issuerCertPath == existingCertPath
	if !selfRenewal {
		issuerCert, err = readCertificate(issuerCertPath)
		if err != nil {
			return nil, err
		}
	}

	return p.issue(template, issuerCert, existing.PublicKey, issuerKey, newCertPath)
}

// issue signs template with the issuer's key, writes the PEM to certPath and
// returns the parsed result.
func (p *Provider) issue(template, issuer *x509.Certificate, pub crypto.PublicKey, issuerKey crypto.Signer, certPath string) (*ParsedCertificate, error) {
	der, err := x509.CreateCertificate(cryptorand.Reader, template, issuer, pub, issuerKey)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrap(err, "unable to create certificate"))
	}
	if err := fs.AtomicWrite(certPath, EncodePEMCert(der), 0o644); err != nil {
		return nil, errdefs.IOError(err)
	}
	p.InvalidateParseCache(certPath)

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	return describeCertificate(cert), nil
}

func newTemplate(spec CertificateSpec, pub crypto.PublicKey) (*x509.Certificate, error) {
	serial, err := cryptorand.Int(cryptorand.Reader, SerialNumberLimit)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrap(err, "unable to generate serial number"))
	}
	ski, err := computeSKI(pub)
	if err != nil {
		return nil, err
	}

	keyUsage := spec.KeyUsage
	extKeyUsage := spec.ExtKeyUsage
	if keyUsage == 0 {
		if spec.IsCA {
			keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		} else {
			keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		}
	}
	if extKeyUsage == nil && !spec.IsCA {
		extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               spec.Subject,
		DNSNames:              append([]string(nil), spec.Domains...),
		IPAddresses:           parseIPs(spec.IPs),
		NotBefore:             time.Now().Add(-10 * time.Minute),
		NotAfter:              time.Now().Add(spec.validity()),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           extKeyUsage,
		IsCA:                  spec.IsCA,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
	}
	if spec.IsCA && spec.PathLen != nil {
		template.MaxPathLen = *spec.PathLen
		template.MaxPathLenZero = *spec.PathLen == 0
	}
	return template, nil
}

// computeSKI derives the subject key identifier the classic way: SHA-1 over
// the subjectPublicKey bit string.
func computeSKI(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

func parseIPs(raw []string) []net.IP {
	var out []net.IP
	for _, s := range raw {
		if ip := net.ParseIP(s); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	cert, err := decodeFirstCertificate(data)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrapf(err, "while parsing %s", path))
	}
	return cert, nil
}

func readCSR(path string) (*x509.CertificateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeCSR {
		return nil, errdefs.BadInputf("%s holds no certificate request", path)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errdefs.CryptoError(errors.Wrap(err, "invalid CSR signature"))
	}
	return csr, nil
}
