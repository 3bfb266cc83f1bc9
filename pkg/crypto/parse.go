// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package crypto

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

// ParsedCertificate is the engine's view of one X.509 certificate file.
type ParsedCertificate struct {
	Fingerprint        string
	Subject            string
	Issuer             string
	CommonName         string
	IssuerCommonName   string
	SerialNumber       string
	NotBefore          time.Time
	NotAfter           time.Time
	KeyType            KeyType
	KeySize            int
	Curve              string
	SignatureAlgorithm string
	SubjectKeyID       string
	AuthorityKeyID     string
	IsCA               bool
	IsRootCA           bool
	PathLenConstraint  *int
	SelfSigned         bool
	Domains            []string
	IPs                []string
}

// Fingerprint computes the canonical SHA-256 digest over the DER encoding:
// lowercase hex, no separators, no prefix.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips common presentation decorations (a
// "sha256"/"SHA256 FINGERPRINT=" prefix, colons) and lowercases the hex.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if i := strings.IndexByte(fp, '='); i >= 0 {
		fp = fp[i+1:]
	}
	fp = strings.TrimPrefix(strings.ToLower(fp), "sha256:")
	fp = strings.ReplaceAll(fp, ":", "")
	return strings.ToLower(strings.TrimSpace(fp))
}

// Parse reads the first certificate in the PEM (or raw DER) file at certPath.
// Results are cached per path until the file's mtime or size changes.
func (p *Provider) Parse(ctx context.Context, certPath string) (*ParsedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(certPath)
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	if cached := p.cachedParseFor(certPath, info); cached != nil {
		return cached, nil
	}

	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	cert, err := decodeFirstCertificate(data)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrapf(err, "while parsing %s", certPath))
	}

	parsed := describeCertificate(cert)
	p.storeParse(certPath, info, parsed)
	return parsed, nil
}

func decodeFirstCertificate(data []byte) (*x509.Certificate, error) {
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemTypeCertificate || len(block.Headers) != 0 {
			continue
		}
		return x509.ParseCertificate(block.Bytes)
	}
	// not PEM, try raw DER
	return x509.ParseCertificate(data)
}

func describeCertificate(cert *x509.Certificate) *ParsedCertificate {
	keyType, keySize, curve := keyTypeOf(cert.PublicKey)

	selfSigned := cert.Subject.String() == cert.Issuer.String() && cert.CheckSignatureFrom(cert) == nil

	var pathLen *int
	if cert.BasicConstraintsValid && cert.IsCA && (cert.MaxPathLen > 0 || cert.MaxPathLenZero) {
		l := cert.MaxPathLen
		pathLen = &l
	}

	var ips []string
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}

	return &ParsedCertificate{
		Fingerprint:        Fingerprint(cert.Raw),
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		CommonName:         cert.Subject.CommonName,
		IssuerCommonName:   cert.Issuer.CommonName,
		SerialNumber:       strings.ToLower(cert.SerialNumber.Text(16)),
		NotBefore:          cert.NotBefore.UTC(),
		NotAfter:           cert.NotAfter.UTC(),
		KeyType:            keyType,
		KeySize:            keySize,
		Curve:              curve,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		SubjectKeyID:       hex.EncodeToString(cert.SubjectKeyId),
		AuthorityKeyID:     hex.EncodeToString(cert.AuthorityKeyId),
		IsCA:               cert.IsCA,
		IsRootCA:           cert.IsCA && selfSigned,
		PathLenConstraint:  pathLen,
		SelfSigned:         selfSigned,
		Domains:            append([]string(nil), cert.DNSNames...),
		IPs:                ips,
	}
}

// ParsePEMCerts returns all certificates from the given PEM data. Based on
// x509.CertPool.AppendCertsFromPEM, kept separate so callers can compare the
// actual certificates.
func ParsePEMCerts(pemData []byte) ([]*x509.Certificate, error) {
	certs := []*x509.Certificate{}
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != pemTypeCertificate || len(block.Headers) != 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// EncodePEMCert encodes the given certificate DER blocks as PEM.
func EncodePEMCert(certBlocks ...[]byte) []byte {
	var buf []byte
	for _, block := range certBlocks {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: block})...)
	}
	return buf
}
