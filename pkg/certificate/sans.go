// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificate

import (
	"net"
	"strings"
)

// AddResult reports whether a SAN was staged and, if not, why.
type AddResult struct {
	Added  bool   `json:"added"`
	Reason string `json:"reason,omitempty"`
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string, fold bool) ([]string, bool) {
	for i, x := range list {
		if (fold && strings.EqualFold(x, v)) || (!fold && x == v) {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// AddDomain stages a DNS name. With idle=true (the normal path) it lands in
// the idle set and is baked in at the next renewal; idle=false appends to
// the active set directly, which only discovery uses. DNS comparison is
// case-insensitive.
func (c *Certificate) AddDomain(domain string, idle bool) AddResult {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return AddResult{Added: false, Reason: "empty domain"}
	}
	if containsFold(c.SANs.Domains, domain) {
		return AddResult{Added: false, Reason: "already active"}
	}
	if containsFold(c.SANs.IdleDomains, domain) {
		return AddResult{Added: false, Reason: "already staged"}
	}
	if idle {
		c.SANs.IdleDomains = append(c.SANs.IdleDomains, domain)
	} else {
		c.SANs.Domains = append(c.SANs.Domains, domain)
	}
	return AddResult{Added: true}
}

// AddIP stages an IP literal; the comparison is exact on the string form.
func (c *Certificate) AddIP(ip string, idle bool) AddResult {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return AddResult{Added: false, Reason: "invalid IP literal"}
	}
	if contains(c.SANs.IPs, ip) {
		return AddResult{Added: false, Reason: "already active"}
	}
	if contains(c.SANs.IdleIPs, ip) {
		return AddResult{Added: false, Reason: "already staged"}
	}
	if idle {
		c.SANs.IdleIPs = append(c.SANs.IdleIPs, ip)
	} else {
		c.SANs.IPs = append(c.SANs.IPs, ip)
	}
	return AddResult{Added: true}
}

// RemoveDomain drops a DNS name from the active or the idle bucket.
func (c *Certificate) RemoveDomain(domain string, fromIdle bool) bool {
	var ok bool
	if fromIdle {
		c.SANs.IdleDomains, ok = remove(c.SANs.IdleDomains, domain, true)
	} else {
		c.SANs.Domains, ok = remove(c.SANs.Domains, domain, true)
	}
	return ok
}

// RemoveIP drops an IP literal from the active or the idle bucket.
func (c *Certificate) RemoveIP(ip string, fromIdle bool) bool {
	var ok bool
	if fromIdle {
		c.SANs.IdleIPs, ok = remove(c.SANs.IdleIPs, ip, false)
	} else {
		c.SANs.IPs, ok = remove(c.SANs.IPs, ip, false)
	}
	return ok
}

// ApplyIdleSubjects merges the idle sets into the active ones (deduplicated)
// and clears them. Returns whether anything changed; calling it again with
// empty idle sets is a no-op.
func (c *Certificate) ApplyIdleSubjects() bool {
	changed := false
	for _, d := range c.SANs.IdleDomains {
		if !containsFold(c.SANs.Domains, d) {
			c.SANs.Domains = append(c.SANs.Domains, d)
			changed = true
		}
	}
	for _, ip := range c.SANs.IdleIPs {
		if !contains(c.SANs.IPs, ip) {
			c.SANs.IPs = append(c.SANs.IPs, ip)
			changed = true
		}
	}
	if len(c.SANs.IdleDomains) > 0 || len(c.SANs.IdleIPs) > 0 {
		changed = true
	}
	c.SANs.IdleDomains = nil
	c.SANs.IdleIPs = nil
	return changed
}
