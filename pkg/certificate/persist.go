// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificate

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

// ToPersisted serializes the persisted record. Serialization is canonical:
// fixed field order, sorted map keys — equal logical state yields identical
// bytes, which is what the registry's dirty check relies on.
func (c *Certificate) ToPersisted() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "while serializing certificate")
	}
	return data, nil
}

// FromPersisted builds an entity from a persisted record.
func FromPersisted(data []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errdefs.ConfigCorrupt(errors.Wrap(err, "while reading persisted certificate"))
	}
	if c.Paths == nil {
		c.Paths = map[string]string{}
	}
	c.Rederive()
	return &c, nil
}

// Rederive fills the ephemeral fields that are not persisted; callers that
// unmarshal records wholesale (the metadata store) invoke it per entity.
func (c *Certificate) Rederive() {
	c.CertType = certTypeOf(c.IsCA, c.IsRootCA)
	c.CommonName = commonNameOf(c.Subject)
	c.IssuerCommonName = commonNameOf(c.Issuer)
}

// commonNameOf extracts CN from an RFC 2253 style DN string.
func commonNameOf(dn string) string {
	rest := dn
	for len(rest) > 0 {
		var part string
		part, rest = nextDNPart(rest)
		if len(part) > 3 && (part[:3] == "CN=" || part[:3] == "cn=") {
			return part[3:]
		}
	}
	return ""
}

func nextDNPart(dn string) (part, rest string) {
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			return dn[:i], dn[i+1:]
		}
	}
	return dn, ""
}

// Clone returns a deep copy; registry readers hand out clones so that
// handler code cannot mutate registry state outside the lock.
func (c *Certificate) Clone() *Certificate {
	data, err := json.Marshal(c)
	if err != nil {
		// the struct is always marshalable; this is a programming error
		panic(err)
	}
	var out Certificate
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	out.CommonName = c.CommonName
	out.IssuerCommonName = c.IssuerCommonName
	out.Curve = c.Curve
	out.HasPassphrase = c.HasPassphrase
	out.ModificationTime = c.ModificationTime
	if out.Paths == nil {
		out.Paths = map[string]string{}
	}
	return &out
}
