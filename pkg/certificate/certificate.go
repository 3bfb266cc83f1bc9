// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package certificate holds the per-certificate entity: parsed facts from
// the on-disk file, user configuration, staged (idle) subjects and the
// snapshot index. Entities are mutated only through the registry.
package certificate

import (
	"time"

	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/deploy"
)

// CertType classifies a certificate by its role in the issuer graph.
type CertType string

const (
	CertTypeRootCA         CertType = "root_ca"
	CertTypeIntermediateCA CertType = "intermediate_ca"
	CertTypeLeaf           CertType = "leaf"
)

// Path roles under Certificate.Paths.
const (
	PathCert      = "crt"
	PathPEM       = "pem"
	PathKey       = "key"
	PathCSR       = "csr"
	PathChain     = "chain"
	PathFullchain = "fullchain"
	PathPKCS12    = "p12"
	PathDER       = "der"
)

// SnapshotType distinguishes operator backups from pipeline versions.
type SnapshotType string

const (
	SnapshotBackup  SnapshotType = "backup"
	SnapshotVersion SnapshotType = "version"
)

// SubjectAltNames carries the active SANs baked into the certificate and the
// idle ones staged for the next renewal.
type SubjectAltNames struct {
	Domains     []string `json:"domains"`
	IPs         []string `json:"ips"`
	IdleDomains []string `json:"idleDomains"`
	IdleIPs     []string `json:"idleIps"`
}

// Config is the user-owned configuration subtree. Parsing a certificate file
// never touches it.
type Config struct {
	AutoRenew             bool                      `json:"autoRenew"`
	RenewDaysBeforeExpiry int                       `json:"renewDaysBeforeExpiry"`
	SignWithCA            bool                      `json:"signWithCA"`
	CAFingerprint         *string                   `json:"caFingerprint"`
	CAName                *string                   `json:"caName"`
	DeployActions         []deploy.ActionDescriptor `json:"deployActions"`
	ValidityDays          int                       `json:"validityDays"`
	KeyUsage              map[string]bool           `json:"keyUsage"`
	ExtendedKeyUsage      []string                  `json:"extendedKeyUsage"`
}

// SnapshotEntry is one row of the per-certificate snapshot index. IDs are
// epoch milliseconds, strictly increasing per certificate.
type SnapshotEntry struct {
	ID                    int64        `json:"id"`
	Type                  SnapshotType `json:"type"`
	Trigger               string       `json:"trigger"`
	Description           string       `json:"description"`
	CreatedAt             time.Time    `json:"createdAt"`
	FingerprintAtSnapshot string       `json:"fingerprintAtSnapshot"`
	Files                 []string     `json:"files"`
}

// Certificate is the engine's per-certificate state. The JSON layout is the
// persisted record; fields tagged "-" are ephemeral and re-derived.
type Certificate struct {
	Name               string            `json:"name"`
	Fingerprint        string            `json:"fingerprint"`
	Subject            string            `json:"subject"`
	Issuer             string            `json:"issuer"`
	ValidFrom          time.Time         `json:"validFrom"`
	ValidTo            time.Time         `json:"validTo"`
	CertType           CertType          `json:"certType"`
	KeyType            crypto.KeyType    `json:"keyType"`
	KeySize            int               `json:"keySize"`
	SignatureAlgorithm string            `json:"signatureAlgorithm"`
	SANs               SubjectAltNames   `json:"sans"`
	Paths              map[string]string `json:"paths"`
	IsCA               bool              `json:"isCA"`
	IsRootCA           bool              `json:"isRootCA"`
	PathLenConstraint  *int              `json:"pathLenConstraint"`
	SerialNumber       string            `json:"serialNumber"`
	SubjectKeyID       string            `json:"subjectKeyIdentifier"`
	AuthorityKeyID     *string           `json:"authorityKeyIdentifier"`
	SelfSigned         bool              `json:"selfSigned"`
	NeedsPassphrase    bool              `json:"needsPassphrase"`
	Config             Config            `json:"config"`
	Snapshots          []SnapshotEntry   `json:"snapshots"`
	Description        string            `json:"description"`
	Group              *string           `json:"group"`
	Tags               []string          `json:"tags"`
	Notifications      map[string]any    `json:"notifications"`
	Metadata           map[string]any    `json:"metadata"`

	// re-derived, never persisted
	CommonName       string    `json:"-"`
	IssuerCommonName string    `json:"-"`
	Curve            string    `json:"-"`
	HasPassphrase    bool      `json:"-"`
	ModificationTime time.Time `json:"-"`
}

// New returns an entity with initialized containers.
func New(name string) *Certificate {
	return &Certificate{
		Name:  name,
		Paths: map[string]string{},
	}
}

// CertPath returns the certificate file path, preferring the crt role over pem.
func (c *Certificate) CertPath() string {
	if p, ok := c.Paths[PathCert]; ok && p != "" {
		return p
	}
	return c.Paths[PathPEM]
}

// KeyPath returns the private key path, if recorded.
func (c *Certificate) KeyPath() string {
	return c.Paths[PathKey]
}

// SetPath records an absolute path under the given role.
func (c *Certificate) SetPath(role, path string) {
	if c.Paths == nil {
		c.Paths = map[string]string{}
	}
	c.Paths[role] = path
}

// ExistingFiles returns the subset of recorded paths with the given checker
// reporting existence; used by snapshots to know what to copy.
func (c *Certificate) ExistingFiles(exists func(string) bool) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, p := range c.Paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if exists(p) {
			out = append(out, p)
		}
	}
	return out
}

// DaysUntilExpiry is the whole number of days left before ValidTo, negative
// once expired.
func (c *Certificate) DaysUntilExpiry(now time.Time) int {
	return int(c.ValidTo.Sub(now).Hours() / 24)
}

// DueForRenewal reports whether the certificate is inside its renewal window.
func (c *Certificate) DueForRenewal(now time.Time) bool {
	if !c.Config.AutoRenew || c.IsCA {
		return false
	}
	days := c.Config.RenewDaysBeforeExpiry
	if days <= 0 {
		days = 30
	}
	return c.ValidTo.Sub(now) < time.Duration(days)*24*time.Hour
}

// certTypeOf derives the certType enum from parsed facts.
func certTypeOf(isCA, isRootCA bool) CertType {
	switch {
	case isRootCA:
		return CertTypeRootCA
	case isCA:
		return CertTypeIntermediateCA
	default:
		return CertTypeLeaf
	}
}
