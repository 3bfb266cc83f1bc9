// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificate

import (
	"context"
	"crypto/x509/pkix"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkeeper/certkeeper/pkg/crypto"
)

func TestAddDomain(t *testing.T) {
	c := New("web")
	res := c.AddDomain("example.test", true)
	assert.True(t, res.Added)
	assert.Equal(t, []string{"example.test"}, c.SANs.IdleDomains)

	// case-insensitive duplicate detection
	res = c.AddDomain("EXAMPLE.test", true)
	assert.False(t, res.Added)
	assert.Equal(t, "already staged", res.Reason)

	c.SANs.Domains = []string{"active.test"}
	res = c.AddDomain("Active.Test", true)
	assert.False(t, res.Added)
	assert.Equal(t, "already active", res.Reason)

	res = c.AddDomain("", true)
	assert.False(t, res.Added)
}

func TestAddIP(t *testing.T) {
	c := New("web")
	assert.True(t, c.AddIP("10.0.0.1", true).Added)
	assert.False(t, c.AddIP("10.0.0.1", true).Added)
	assert.False(t, c.AddIP("not-an-ip", true).Added)
	assert.True(t, c.AddIP("2001:db8::1", false).Added)
	assert.Equal(t, []string{"2001:db8::1"}, c.SANs.IPs)
}

func TestRemoveSubjects(t *testing.T) {
	c := New("web")
	c.SANs.Domains = []string{"a.test", "b.test"}
	c.SANs.IdleDomains = []string{"c.test"}
	c.SANs.IPs = []string{"10.0.0.1"}

	assert.True(t, c.RemoveDomain("A.TEST", false))
	assert.Equal(t, []string{"b.test"}, c.SANs.Domains)
	assert.False(t, c.RemoveDomain("a.test", false))
	assert.True(t, c.RemoveDomain("c.test", true))
	assert.Empty(t, c.SANs.IdleDomains)
	assert.True(t, c.RemoveIP("10.0.0.1", false))
	assert.False(t, c.RemoveIP("10.0.0.1", false))
}

func TestApplyIdleSubjects(t *testing.T) {
	c := New("web")
	c.SANs.Domains = []string{"a.test"}
	c.SANs.IdleDomains = []string{"b.test", "A.TEST"}
	c.SANs.IdleIPs = []string{"10.0.0.9"}

	assert.True(t, c.ApplyIdleSubjects())
	assert.Equal(t, []string{"a.test", "b.test"}, c.SANs.Domains)
	assert.Equal(t, []string{"10.0.0.9"}, c.SANs.IPs)
	assert.Empty(t, c.SANs.IdleDomains)
	assert.Empty(t, c.SANs.IdleIPs)

	// idempotent once idle sets are empty
	assert.False(t, c.ApplyIdleSubjects())
	assert.Equal(t, []string{"a.test", "b.test"}, c.SANs.Domains)
}

func TestMergeConfig(t *testing.T) {
	caFP := "aa11"
	base := Config{AutoRenew: true, RenewDaysBeforeExpiry: 30, ValidityDays: 365}

	t.Run("replace all", func(t *testing.T) {
		c := New("web")
		c.Config = base
		require.NoError(t, c.MergeConfig(Config{ValidityDays: 90}, MergeReplaceAll))
		assert.Equal(t, Config{ValidityDays: 90}, c.Config)
	})

	t.Run("keep user fields", func(t *testing.T) {
		c := New("web")
		c.Config = base
		require.NoError(t, c.MergeConfig(Config{RenewDaysBeforeExpiry: 10, CAFingerprint: &caFP}, MergeKeepUserFields))
		assert.Equal(t, 30, c.Config.RenewDaysBeforeExpiry)
		require.NotNil(t, c.Config.CAFingerprint)
		assert.Equal(t, caFP, *c.Config.CAFingerprint)
	})

	t.Run("override set fields", func(t *testing.T) {
		c := New("web")
		c.Config = base
		require.NoError(t, c.MergeConfig(Config{RenewDaysBeforeExpiry: 10}, MergeOverrideSet))
		assert.Equal(t, 10, c.Config.RenewDaysBeforeExpiry)
		assert.Equal(t, 365, c.Config.ValidityDays)
	})
}

func TestPersistedRoundTrip(t *testing.T) {
	group := "internal"
	aki := "bb22"
	pathLen := 1
	c := New("web-server")
	c.Fingerprint = "ab12"
	c.Subject = "CN=web-server,O=acme"
	c.Issuer = "CN=acme-ca,O=acme"
	c.ValidFrom = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.ValidTo = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c.CertType = CertTypeLeaf
	c.KeyType = crypto.KeyTypeRSA
	c.KeySize = 2048
	c.SignatureAlgorithm = "SHA256-RSA"
	c.SANs = SubjectAltNames{Domains: []string{"web.test"}, IPs: []string{}, IdleDomains: []string{"staged.test"}, IdleIPs: []string{}}
	c.SetPath(PathCert, "/certs/web/web.crt")
	c.SetPath(PathKey, "/certs/web/web.key")
	c.PathLenConstraint = &pathLen
	c.SerialNumber = "0f32"
	c.SubjectKeyID = "cc33"
	c.AuthorityKeyID = &aki
	c.NeedsPassphrase = true
	c.Config = Config{AutoRenew: true, RenewDaysBeforeExpiry: 30, ValidityDays: 365, KeyUsage: map[string]bool{"digitalSignature": true}, ExtendedKeyUsage: []string{"serverAuth"}}
	c.Snapshots = []SnapshotEntry{{ID: 1700000000000, Type: SnapshotVersion, Trigger: "pre-renewal", CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), FingerprintAtSnapshot: "ab12", Files: []string{"web.crt"}}}
	c.Description = "public web endpoint"
	c.Group = &group
	c.Tags = []string{"prod"}

	first, err := c.ToPersisted()
	require.NoError(t, err)

	restored, err := FromPersisted(first)
	require.NoError(t, err)
	second, err := restored.ToPersisted()
	require.NoError(t, err)

	// byte-identical round trip keeps the dirty check meaningful
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, "web-server", restored.CommonName)
	assert.Equal(t, "acme-ca", restored.IssuerCommonName)
	assert.Equal(t, CertTypeLeaf, restored.CertType)
	if diff := cmp.Diff(c.SANs, restored.SANs); diff != "" {
		t.Errorf("SANs mismatch (-want +got):\n%s", diff)
	}
}

func TestRefreshFromFilePreservesConfig(t *testing.T) {
	provider := crypto.NewProvider()
	ctx := context.Background()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "web.key")
	certPath := filepath.Join(dir, "web.crt")

	_, err := provider.GenerateKey(ctx, keyPath, crypto.KeySpec{Type: crypto.KeyTypeEC}, "")
	require.NoError(t, err)
	issued, err := provider.SelfSign(ctx, keyPath, "", certPath, crypto.CertificateSpec{
		Subject: pkix.Name{CommonName: "web"},
		Domains: []string{"web.test"},
	})
	require.NoError(t, err)

	c := New("web")
	c.SetPath(PathCert, certPath)
	c.SetPath(PathKey, keyPath)
	c.Config = Config{AutoRenew: true, ValidityDays: 42}
	c.Description = "kept"
	c.Tags = []string{"prod"}
	c.SANs.IdleDomains = []string{"staged.test", "web.test"}

	require.NoError(t, c.RefreshFromFile(ctx, provider))

	assert.Equal(t, issued.Fingerprint, c.Fingerprint)
	assert.Equal(t, []string{"web.test"}, c.SANs.Domains)
	// idle entries already baked into the cert are dropped, others kept
	assert.Equal(t, []string{"staged.test"}, c.SANs.IdleDomains)
	assert.Equal(t, Config{AutoRenew: true, ValidityDays: 42}, c.Config)
	assert.Equal(t, "kept", c.Description)
	assert.Equal(t, []string{"prod"}, c.Tags)
	assert.True(t, c.SelfSigned)
	assert.Equal(t, CertTypeLeaf, c.CertType)
}

func TestDueForRenewal(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	c := New("web")
	c.Config.AutoRenew = true
	c.Config.RenewDaysBeforeExpiry = 30

	c.ValidTo = now.Add(31 * 24 * time.Hour)
	assert.False(t, c.DueForRenewal(now))

	c.ValidTo = now.Add(29 * 24 * time.Hour)
	assert.True(t, c.DueForRenewal(now))

	c.IsCA = true
	assert.False(t, c.DueForRenewal(now))

	c.IsCA = false
	c.Config.AutoRenew = false
	assert.False(t, c.DueForRenewal(now))
}
