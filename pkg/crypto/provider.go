// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package crypto implements key generation, CSR creation, signing, renewal
// and parsing of the engine's certificate material. All operations work on
// PEM files; parsed results are cached per path keyed by file mtime and size.
package crypto

import (
	"math/big"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
)

var log = ulog.Log.WithName("crypto")

// SerialNumberLimit is the maximum number used as a certificate serial number.
var SerialNumberLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// DefaultCertValidity is used when no validity is configured.
const DefaultCertValidity = 365 * 24 * time.Hour

// parseCacheSize bounds the parse cache; a host rarely carries more
// certificate files than this, and eviction is harmless.
const parseCacheSize = 512

type cachedParse struct {
	modTime time.Time
	size    int64
	parsed  *ParsedCertificate
}

// Provider performs the engine's cryptographic file operations.
type Provider struct {
	parseCache *lru.Cache[string, cachedParse]
}

// NewProvider builds a Provider with an empty parse cache.
func NewProvider() *Provider {
	cache, err := lru.New[string, cachedParse](parseCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &Provider{parseCache: cache}
}

// cachedParseFor returns a cached parse of path still matching the file's
// current mtime and size, or nil.
func (p *Provider) cachedParseFor(path string, info os.FileInfo) *ParsedCertificate {
	entry, ok := p.parseCache.Get(path)
	if !ok {
		return nil
	}
	if !entry.modTime.Equal(info.ModTime()) || entry.size != info.Size() {
		p.parseCache.Remove(path)
		return nil
	}
	return entry.parsed
}

func (p *Provider) storeParse(path string, info os.FileInfo, parsed *ParsedCertificate) {
	p.parseCache.Add(path, cachedParse{modTime: info.ModTime(), size: info.Size(), parsed: parsed})
}

// InvalidateParseCache drops the cached parse for path, if any.
func (p *Provider) InvalidateParseCache(path string) {
	p.parseCache.Remove(path)
}

