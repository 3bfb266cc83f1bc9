// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificate

import (
	"context"
	"time"

	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

// ApplyParsedFacts overwrites the parsed-fact fields from a fresh parse of
// the certificate file. The config subtree, deploy actions, snapshot index,
// name, description, tags, group and notifications are left untouched. The
// active SAN lists follow the file; idle lists are preserved minus entries
// the new certificate already covers.
func (c *Certificate) ApplyParsedFacts(parsed *crypto.ParsedCertificate) {
	c.Fingerprint = parsed.Fingerprint
	c.Subject = parsed.Subject
	c.Issuer = parsed.Issuer
	c.CommonName = parsed.CommonName
	c.IssuerCommonName = parsed.IssuerCommonName
	c.SerialNumber = parsed.SerialNumber
	c.ValidFrom = parsed.NotBefore.Truncate(time.Second).UTC()
	c.ValidTo = parsed.NotAfter.Truncate(time.Second).UTC()
	c.KeyType = parsed.KeyType
	c.KeySize = parsed.KeySize
	c.Curve = parsed.Curve
	c.SignatureAlgorithm = parsed.SignatureAlgorithm
	c.SubjectKeyID = parsed.SubjectKeyID
	if parsed.AuthorityKeyID != "" {
		aki := parsed.AuthorityKeyID
		c.AuthorityKeyID = &aki
	} else {
		c.AuthorityKeyID = nil
	}
	c.IsCA = parsed.IsCA
	c.IsRootCA = parsed.IsRootCA
	c.PathLenConstraint = parsed.PathLenConstraint
	c.SelfSigned = parsed.SelfSigned
	c.CertType = certTypeOf(parsed.IsCA, parsed.IsRootCA)

	c.SANs.Domains = append([]string(nil), parsed.Domains...)
	c.SANs.IPs = append([]string(nil), parsed.IPs...)
	var idleDomains []string
	for _, d := range c.SANs.IdleDomains {
		if !containsFold(c.SANs.Domains, d) {
			idleDomains = append(idleDomains, d)
		}
	}
	c.SANs.IdleDomains = idleDomains
	var idleIPs []string
	for _, ip := range c.SANs.IdleIPs {
		if !contains(c.SANs.IPs, ip) {
			idleIPs = append(idleIPs, ip)
		}
	}
	c.SANs.IdleIPs = idleIPs

	if c.Name == "" {
		c.Name = parsed.CommonName
	}
	c.ModificationTime = time.Now()
}

// RefreshFromFile re-parses the certificate file on disk and applies the
// parsed facts. The fingerprint may change; callers owning registry keys
// must swap them if it does.
func (c *Certificate) RefreshFromFile(ctx context.Context, provider *crypto.Provider) error {
	path := c.CertPath()
	if path == "" {
		return errdefs.NotFoundf("certificate %s has no cert file path", c.Name)
	}
	provider.InvalidateParseCache(path)
	parsed, err := provider.Parse(ctx, path)
	if err != nil {
		return err
	}
	c.ApplyParsedFacts(parsed)
	return nil
}
