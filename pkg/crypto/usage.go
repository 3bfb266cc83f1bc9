// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package crypto

import "crypto/x509"

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
	"encipherOnly":      x509.KeyUsageEncipherOnly,
	"decipherOnly":      x509.KeyUsageDecipherOnly,
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"serverAuth":      x509.ExtKeyUsageServerAuth,
	"clientAuth":      x509.ExtKeyUsageClientAuth,
	"codeSigning":     x509.ExtKeyUsageCodeSigning,
	"emailProtection": x509.ExtKeyUsageEmailProtection,
	"timeStamping":    x509.ExtKeyUsageTimeStamping,
	"ocspSigning":     x509.ExtKeyUsageOCSPSigning,
}

// KeyUsageFromNames folds the enabled usage names into a bitmask. Unknown
// names are ignored.
func KeyUsageFromNames(names map[string]bool) x509.KeyUsage {
	var usage x509.KeyUsage
	for name, enabled := range names {
		if !enabled {
			continue
		}
		if bit, ok := keyUsageNames[name]; ok {
			usage |= bit
		}
	}
	return usage
}

// ExtKeyUsageFromNames maps usage names to their x509 values, ignoring
// unknown names.
func ExtKeyUsageFromNames(names []string) []x509.ExtKeyUsage {
	var out []x509.ExtKeyUsage
	for _, name := range names {
		if usage, ok := extKeyUsageNames[name]; ok {
			out = append(out, usage)
		}
	}
	return out
}
