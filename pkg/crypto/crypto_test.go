// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package crypto

import (
	"context"
	"crypto/x509/pkix"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

func TestGenerateKeyVariants(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		spec KeySpec
		want KeyInfo
	}{
		{
			name: "rsa default size",
			spec: KeySpec{Type: KeyTypeRSA},
			want: KeyInfo{Type: KeyTypeRSA, Bits: 2048},
		},
		{
			name: "ec p384",
			spec: KeySpec{Type: KeyTypeEC, Curve: "P-384"},
			want: KeyInfo{Type: KeyTypeEC, Bits: 384, Curve: "P-384"},
		},
		{
			name: "ed25519",
			spec: KeySpec{Type: KeyTypeEd25519},
			want: KeyInfo{Type: KeyTypeEd25519, Bits: 256},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyPath := filepath.Join(dir, tt.name+".key")
			info, err := p.GenerateKey(ctx, keyPath, tt.spec, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)

			encrypted, err := p.IsKeyEncrypted(keyPath)
			require.NoError(t, err)
			assert.False(t, encrypted)

			_, err = p.LoadSigner(keyPath, "")
			require.NoError(t, err)
		})
	}
}

func TestGenerateKeyRejectsWeakRSA(t *testing.T) {
	p := NewProvider()
	_, err := p.GenerateKey(context.Background(), filepath.Join(t.TempDir(), "k.key"), KeySpec{Type: KeyTypeRSA, Bits: 1024}, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsBadInput(err))
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	keyPath := filepath.Join(t.TempDir(), "enc.key")

	info, err := p.GenerateKey(ctx, keyPath, KeySpec{Type: KeyTypeEC}, "s3cret")
	require.NoError(t, err)
	assert.True(t, info.Encrypted)

	encrypted, err := p.IsKeyEncrypted(keyPath)
	require.NoError(t, err)
	assert.True(t, encrypted)

	_, err = p.LoadSigner(keyPath, "s3cret")
	require.NoError(t, err)

	_, err = p.LoadSigner(keyPath, "wrong")
	require.Error(t, err)
	assert.True(t, errdefs.IsWrongPassphrase(err))

	_, err = p.LoadSigner(keyPath, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsWrongPassphrase(err))
}

func TestSelfSignAndParse(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ca.key")
	certPath := filepath.Join(dir, "ca.pem")

	_, err := p.GenerateKey(ctx, keyPath, KeySpec{Type: KeyTypeRSA}, "")
	require.NoError(t, err)

	issued, err := p.SelfSign(ctx, keyPath, "", certPath, CertificateSpec{
		Subject:      pkix.Name{CommonName: "TestCA", Organization: []string{"certkeeper"}},
		ValidityDays: 365,
		IsCA:         true,
	})
	require.NoError(t, err)

	parsed, err := p.Parse(ctx, certPath)
	require.NoError(t, err)

	assert.Equal(t, issued.Fingerprint, parsed.Fingerprint)
	assert.Len(t, parsed.Fingerprint, 64)
	assert.Equal(t, "TestCA", parsed.CommonName)
	assert.True(t, parsed.SelfSigned)
	assert.True(t, parsed.IsCA)
	assert.True(t, parsed.IsRootCA)
	assert.NotEmpty(t, parsed.SubjectKeyID)
	assert.Equal(t, KeyTypeRSA, parsed.KeyType)
	assert.Equal(t, 2048, parsed.KeySize)

	// same file parses out of the cache to the identical result
	again, err := p.Parse(ctx, certPath)
	require.NoError(t, err)
	assert.Same(t, parsed, again)
}

func TestSignCSRChainsToCA(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	dir := t.TempDir()

	caKey := filepath.Join(dir, "ca.key")
	caCert := filepath.Join(dir, "ca.pem")
	_, err := p.GenerateKey(ctx, caKey, KeySpec{Type: KeyTypeRSA}, "")
	require.NoError(t, err)
	_, err = p.SelfSign(ctx, caKey, "", caCert, CertificateSpec{Subject: pkix.Name{CommonName: "TestCA"}, IsCA: true})
	require.NoError(t, err)

	leafKey := filepath.Join(dir, "leaf.key")
	leafCSR := filepath.Join(dir, "leaf.csr")
	leafCert := filepath.Join(dir, "leaf.pem")
	_, err = p.GenerateKey(ctx, leafKey, KeySpec{Type: KeyTypeEC}, "")
	require.NoError(t, err)
	require.NoError(t, p.CreateCSR(ctx, leafKey, "", leafCSR, CertificateSpec{
		Subject: pkix.Name{CommonName: "leaf.example.test"},
		Domains: []string{"example.test", "www.example.test"},
		IPs:     []string{"10.0.0.1"},
	}))

	issued, err := p.SignCSR(ctx, leafCSR, caCert, caKey, "", leafCert, CertificateSpec{ValidityDays: 90})
	require.NoError(t, err)

	caParsed, err := p.Parse(ctx, caCert)
	require.NoError(t, err)

	assert.False(t, issued.SelfSigned)
	assert.False(t, issued.IsCA)
	assert.Equal(t, caParsed.SubjectKeyID, issued.AuthorityKeyID)
	assert.Equal(t, "TestCA", issued.IssuerCommonName)
	assert.ElementsMatch(t, []string{"example.test", "www.example.test"}, issued.Domains)
	assert.Equal(t, []string{"10.0.0.1"}, issued.IPs)
}

func TestRenewPreservesIdentity(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "self.key")
	certPath := filepath.Join(dir, "self.pem")
	_, err := p.GenerateKey(ctx, keyPath, KeySpec{Type: KeyTypeRSA}, "")
	require.NoError(t, err)
	before, err := p.SelfSign(ctx, keyPath, "", certPath, CertificateSpec{
		Subject: pkix.Name{CommonName: "renew-me"},
		Domains: []string{"renew.example.test"},
	})
	require.NoError(t, err)

	after, err := p.Renew(ctx, certPath, certPath, certPath, keyPath, "", RenewSpec{ValidityDays: 30})
	require.NoError(t, err)

	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.Equal(t, before.Subject, after.Subject)
	assert.Equal(t, before.Domains, after.Domains)
	assert.Equal(t, before.SubjectKeyID, after.SubjectKeyID)
	assert.True(t, after.NotAfter.After(after.NotBefore))
}

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCDEF", "abcdef"},
		{"sha256:AB:CD:EF", "abcdef"},
		{"SHA256 FINGERPRINT=ab:cd:ef", "abcdef"},
		{"  abcdef  ", "abcdef"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFingerprint(tt.in), tt.in)
	}
}
