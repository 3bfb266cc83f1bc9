// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package registry

import (
	"sort"
	"strings"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
)

var resolverLog = ulog.Log.WithName("ca-resolver")

// CAResolver binds every non-self-signed certificate to its issuer within
// the registry. Primary match is AKI against candidate CA SKIs; the
// fallback compares normalized DNs. A certificate whose issuer cannot be
// found has signWithCA forced off.
type CAResolver struct{}

// ResolveAll runs the resolution pass over the whole set and returns the
// fingerprints whose CA binding changed.
func (r CAResolver) ResolveAll(certs map[string]*certificate.Certificate) []string {
	var cas []*certificate.Certificate
	for _, c := range certs {
		if c.IsCA {
			cas = append(cas, c)
		}
	}

	var changed []string
	for fp, c := range certs {
		if r.resolveOne(c, cas) {
			changed = append(changed, fp)
		}
	}
	return changed
}

// resolveOne updates c's CA binding and reports whether anything changed.
func (r CAResolver) resolveOne(c *certificate.Certificate, cas []*certificate.Certificate) bool {
	// self-signed and root CA certificates sign themselves
	if c.SelfSigned || c.IsRootCA {
		return clearBinding(c)
	}

	issuer := r.findIssuer(c, cas)
	if issuer == nil {
		changed := c.Config.SignWithCA || c.Config.CAFingerprint != nil || c.Config.CAName != nil
		if changed {
			aki := ""
			if c.AuthorityKeyID != nil {
				aki = *c.AuthorityKeyID
			}
			resolverLog.Info("issuer not found in certificate set, disabling CA signing",
				"certificate", c.Name, "aki", aki, "issuerDN", c.Issuer)
		}
		clearBinding(c)
		return changed
	}

	fp := issuer.Fingerprint
	changed := c.Config.CAFingerprint == nil || *c.Config.CAFingerprint != fp ||
		c.Config.CAName == nil || *c.Config.CAName != issuer.Name ||
		!c.Config.SignWithCA
	name := issuer.Name
	c.Config.CAFingerprint = &fp
	c.Config.CAName = &name
	c.Config.SignWithCA = true
	return changed
}

func clearBinding(c *certificate.Certificate) bool {
	changed := c.Config.SignWithCA || c.Config.CAFingerprint != nil || c.Config.CAName != nil
	c.Config.SignWithCA = false
	c.Config.CAFingerprint = nil
	c.Config.CAName = nil
	return changed
}

func (r CAResolver) findIssuer(c *certificate.Certificate, cas []*certificate.Certificate) *certificate.Certificate {
	// primary: unique AKI → SKI match
	if c.AuthorityKeyID != nil && *c.AuthorityKeyID != "" {
		var match *certificate.Certificate
		matches := 0
		for _, ca := range cas {
			if ca.Fingerprint == c.Fingerprint {
				continue
			}
			if strings.EqualFold(ca.SubjectKeyID, *c.AuthorityKeyID) {
				match = ca
				matches++
			}
		}
		if matches == 1 {
			return match
		}
	}

	// fallback: normalized issuer DN against each CA's normalized subject DN
	want := NormalizeDN(c.Issuer)
	for _, ca := range cas {
		if ca.Fingerprint == c.Fingerprint {
			continue
		}
		if NormalizeDN(ca.Subject) == want {
			return ca
		}
	}
	return nil
}

// dnKeys are the attribute types considered for DN normalization.
var dnKeys = map[string]struct{}{
	"C": {}, "ST": {}, "L": {}, "O": {}, "OU": {}, "CN": {},
}

// NormalizeDN canonicalizes a DN string: recognized attribute keys are
// uppercased, values trimmed, and key=value pairs sorted lexicographically
// and joined with commas. Unrecognized attributes are dropped.
func NormalizeDN(dn string) string {
	var pairs []string
	for _, part := range splitDN(dn) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(part[:eq]))
		if _, ok := dnKeys[key]; !ok {
			continue
		}
		value := strings.TrimSpace(part[eq+1:])
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// splitDN splits on unescaped commas.
func splitDN(dn string) []string {
	var parts []string
	start := 0
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			parts = append(parts, dn[start:i])
			start = i + 1
		}
	}
	parts = append(parts, dn[start:])
	return parts
}
