// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package registry

import (
	"time"

	"github.com/certkeeper/certkeeper/pkg/certificate"
)

// APIView is the read model handed to the HTTP layer: the persisted record
// enriched with derived fields, and never any stored passphrase.
type APIView struct {
	certificate.Certificate
	DaysUntilExpiry int    `json:"daysUntilExpiry"`
	HasPassphrase   bool   `json:"hasPassphrase"`
	CAName          string `json:"caName,omitempty"`
}

func (r *Registry) viewOf(c *certificate.Certificate, now time.Time) APIView {
	view := APIView{
		Certificate:     *c.Clone(),
		DaysUntilExpiry: c.DaysUntilExpiry(now),
	}
	if r.vault != nil {
		view.HasPassphrase = r.vault.Has(c.Fingerprint)
		view.Certificate.HasPassphrase = view.HasPassphrase
	}
	if c.Config.CAName != nil {
		view.CAName = *c.Config.CAName
	}
	return view
}
