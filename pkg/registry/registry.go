// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package registry is the authoritative in-memory certificate set. It
// reconciles persisted metadata (authoritative configuration) with the
// certificate directory (authoritative content), tracks pending per
// fingerprint changes, and serializes all mutations behind one lock.
// Parsing and crypto run outside the lock; only the commit step is inside.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/metadata"
	utilsfs "github.com/certkeeper/certkeeper/pkg/utils/fs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
	"github.com/certkeeper/certkeeper/pkg/vault"
)

var log = ulog.Log.WithName("registry")

// ChangeKind categorizes external change notifications.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Registry holds every known certificate keyed by canonical fingerprint.
type Registry struct {
	mu      sync.RWMutex
	certs   map[string]*certificate.Certificate
	pending map[string]struct{}
	// lastRefreshAt is zero whenever the cache is invalid wholesale.
	lastRefreshAt time.Time
	// configMTime is the metadata file mtime observed at the last load.
	configMTime time.Time

	// loadMu serializes LoadAll runs.
	loadMu sync.Mutex

	// fpLocks serializes per-fingerprint write operations.
	fpLocksMu sync.Mutex
	fpLocks   map[string]*sync.Mutex

	certsDir string
	provider *crypto.Provider
	store    *metadata.Store
	vault    *vault.Vault
	resolver CAResolver
	metrics  *metrics.Set
}

// New builds an empty registry; call LoadAll to populate it.
func New(certsDir string, provider *crypto.Provider, store *metadata.Store, vlt *vault.Vault, set *metrics.Set) *Registry {
	return &Registry{
		certs:    map[string]*certificate.Certificate{},
		pending:  map[string]struct{}{},
		fpLocks:  map[string]*sync.Mutex{},
		certsDir: certsDir,
		provider: provider,
		store:    store,
		vault:    vlt,
		metrics:  set,
	}
}

// Vault exposes the passphrase store the registry was built with.
func (r *Registry) Vault() *vault.Vault { return r.vault }

// Provider exposes the crypto provider.
func (r *Registry) Provider() *crypto.Provider { return r.provider }

// CertsDir returns the live certificate directory.
func (r *Registry) CertsDir() string { return r.certsDir }

// IsCacheValid reports whether the in-memory set can be served without a
// full reload: the registry was populated and the metadata file has not
// been modified since. Pending per-fingerprint changes do not invalidate
// the cache; they are refreshed lazily.
func (r *Registry) IsCacheValid() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastRefreshAt.IsZero() {
		return false
	}
	mtime, err := r.store.ModTime()
	if err != nil {
		return false
	}
	return !mtime.After(r.configMTime)
}

// Invalidate clears the whole cache when called with no fingerprints, or
// marks the given fingerprints dirty for lazy refresh.
func (r *Registry) Invalidate(fingerprints ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(fingerprints) == 0 {
		r.lastRefreshAt = time.Time{}
		r.pending = map[string]struct{}{}
		return
	}
	for _, fp := range fingerprints {
		r.pending[crypto.NormalizeFingerprint(fp)] = struct{}{}
	}
}

// NotifyChanged records an external change for fp. Creates and deletes make
// the on-disk file set suspect and force the next load to be full.
func (r *Registry) NotifyChanged(fp string, kind ChangeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[crypto.NormalizeFingerprint(fp)] = struct{}{}
	if kind == ChangeCreate || kind == ChangeDelete {
		r.lastRefreshAt = time.Time{}
	}
}

// PendingCount returns the number of fingerprints awaiting lazy refresh.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// LoadAll populates the registry. With force=false and a valid cache, only
// pending fingerprints are re-parsed. Otherwise the full procedure runs:
// metadata load, filesystem discovery, passphrase probing, CA resolution,
// and a save when the effective state differs from what was persisted.
func (r *Registry) LoadAll(ctx context.Context, force bool) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if !force && r.IsCacheValid() {
		return r.refreshPending(ctx)
	}

	loaded, err := r.store.Load()
	if err != nil {
		return err
	}
	persistedBytes, err := marshalSet(loaded.Certificates)
	if err != nil {
		return err
	}

	// the persisted records are authoritative for configuration; adopt them
	// wholesale so external metadata edits take effect on reload. In-memory
	// instances are deliberately not preserved across this point: accessors
	// hand out clones, so no caller holds a reference that could observe
	// the replacement.
	r.mu.Lock()
	for fp, rec := range loaded.Certificates {
		key := crypto.NormalizeFingerprint(fp)
		rec.Fingerprint = key
		r.certs[key] = rec
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	// discovery runs outside the lock: scanning and parsing may block
	discovered, err := r.discover(ctx, snapshot)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for key, cert := range discovered {
		r.certs[key] = cert
	}
	r.refreshPassphraseFlagsLocked()
	changed := r.resolver.ResolveAll(r.certs)
	if len(changed) > 0 {
		log.V(1).Info("CA bindings updated", "certificates", len(changed))
	}

	currentBytes, err := marshalSet(r.certs)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	dirty := !bytes.Equal(persistedBytes, currentBytes)
	certsCopy := r.copyMapLocked()
	r.mu.Unlock()

	if dirty {
		if err := r.store.Save(certsCopy); err != nil {
			return err
		}
	}

	mtime, err := r.store.ModTime()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.configMTime = mtime
	r.lastRefreshAt = time.Now()
	r.pending = map[string]struct{}{}
	if r.metrics != nil {
		r.metrics.CertificatesTracked.Set(float64(len(r.certs)))
	}
	r.mu.Unlock()
	return nil
}

// refreshPending re-parses only the dirty fingerprints. Entities whose
// files vanished keep their prior metadata until explicitly deleted.
func (r *Registry) refreshPending(ctx context.Context) error {
	r.mu.Lock()
	dirty := make([]string, 0, len(r.pending))
	for fp := range r.pending {
		dirty = append(dirty, fp)
	}
	r.pending = map[string]struct{}{}
	r.mu.Unlock()

	for _, fp := range dirty {
		cert, ok := r.Get(fp)
		if !ok {
			continue
		}
		path := cert.CertPath()
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			// files gone; metadata is kept (superset invariant)
			continue
		}
		r.provider.InvalidateParseCache(path)
		parsed, err := r.provider.Parse(ctx, path)
		if err != nil {
			log.Error(err, "unable to refresh certificate from file", "fingerprint", fp, "path", path)
			continue
		}

		r.mu.Lock()
		live, ok := r.certs[fp]
		if !ok {
			r.mu.Unlock()
			continue
		}
		oldKey := live.Fingerprint
		live.ApplyParsedFacts(parsed)
		newKey := crypto.NormalizeFingerprint(parsed.Fingerprint)
		if newKey != oldKey {
			delete(r.certs, oldKey)
			live.Fingerprint = newKey
			r.certs[newKey] = live
		}
		r.mu.Unlock()
	}
	return nil
}

// discover scans the certificate directory and parses every candidate file,
// merging parsed facts into known entities and materializing new ones.
// Errors on individual files are logged and skipped.
func (r *Registry) discover(ctx context.Context, known map[string]*certificate.Certificate) (map[string]*certificate.Certificate, error) {
	files, err := utilsfs.ScanCertFiles(r.certsDir)
	if err != nil {
		return nil, errdefs.IOError(err)
	}

	out := map[string]*certificate.Certificate{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parsed, err := r.provider.Parse(ctx, path)
		if err != nil {
			log.Error(err, "skipping unreadable certificate file", "path", path)
			continue
		}
		key := crypto.NormalizeFingerprint(parsed.Fingerprint)

		cert, ok := known[key]
		if !ok {
			cert, ok = out[key]
		}
		if !ok {
			cert = certificate.New(uniqueName(parsed.CommonName, key, known, out))
		}
		cert.ApplyParsedFacts(parsed)
		recordPathRoles(cert, path)
		out[key] = cert
	}
	return out, nil
}

// uniqueName derives an entity name from the CN, disambiguating with a
// fingerprint prefix on collision.
func uniqueName(cn, fp string, known, pending map[string]*certificate.Certificate) string {
	name := cn
	if name == "" {
		name = "certificate-" + shortFP(fp)
	}
	taken := func(n string) bool {
		for _, c := range known {
			if strings.EqualFold(c.Name, n) {
				return true
			}
		}
		for _, c := range pending {
			if strings.EqualFold(c.Name, n) {
				return true
			}
		}
		return false
	}
	if taken(name) {
		name = name + "-" + shortFP(fp)
	}
	return name
}

func shortFP(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// recordPathRoles stores the discovered file under its role and picks up
// sibling key/csr/chain material sharing the same stem.
func recordPathRoles(cert *certificate.Certificate, path string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pem":
		cert.SetPath(certificate.PathPEM, path)
	default:
		cert.SetPath(certificate.PathCert, path)
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	siblings := map[string]string{
		certificate.PathKey:       stem + ".key",
		certificate.PathCSR:       stem + ".csr",
		certificate.PathChain:     stem + ".chain.pem",
		certificate.PathFullchain: stem + ".fullchain.pem",
		certificate.PathPKCS12:    stem + ".p12",
		certificate.PathDER:       stem + ".der",
	}
	for role, candidate := range siblings {
		if _, already := cert.Paths[role]; already {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			cert.SetPath(role, candidate)
		}
	}
}

// refreshPassphraseFlagsLocked re-derives needsPassphrase for every entity
// carrying a key file.
func (r *Registry) refreshPassphraseFlagsLocked() {
	for _, cert := range r.certs {
		keyPath := cert.KeyPath()
		if keyPath == "" {
			continue
		}
		encrypted, err := r.provider.IsKeyEncrypted(keyPath)
		if err != nil {
			continue
		}
		cert.NeedsPassphrase = encrypted
		if r.vault != nil {
			cert.HasPassphrase = r.vault.Has(cert.Fingerprint)
		}
	}
}

// Get returns a clone of the certificate with the given fingerprint. The
// lookup is case-insensitive and tolerates presentation prefixes.
func (r *Registry) Get(fp string) (*certificate.Certificate, bool) {
	key := crypto.NormalizeFingerprint(fp)
	r.mu.RLock()
	defer r.mu.RUnlock()
	cert, ok := r.certs[key]
	if !ok {
		return nil, false
	}
	return cert.Clone(), true
}

// GetByName returns a clone of the first certificate whose name matches
// (case-insensitive).
func (r *Registry) GetByName(name string) (*certificate.Certificate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cert := range r.certs {
		if strings.EqualFold(cert.Name, name) {
			return cert.Clone(), true
		}
	}
	return nil, false
}

// Lookup resolves key as a fingerprint first, then as a name.
func (r *Registry) Lookup(key string) (*certificate.Certificate, bool) {
	if cert, ok := r.Get(key); ok {
		return cert, true
	}
	return r.GetByName(key)
}

// GetAll returns clones of every certificate, sorted by name.
func (r *Registry) GetAll() []*certificate.Certificate {
	r.mu.RLock()
	out := make([]*certificate.Certificate, 0, len(r.certs))
	for _, cert := range r.certs {
		out = append(out, cert.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetCAs returns clones of every CA certificate, sorted by name.
func (r *Registry) GetCAs() []*certificate.Certificate {
	var out []*certificate.Certificate
	for _, cert := range r.GetAll() {
		if cert.IsCA {
			out = append(out, cert)
		}
	}
	return out
}

// GetAllViews returns the API read model: derived expiry, resolved CA name
// and vault status, never stored passphrases.
func (r *Registry) GetAllViews(now time.Time) []APIView {
	certs := r.GetAll()
	out := make([]APIView, 0, len(certs))
	for _, cert := range certs {
		out = append(out, r.viewOf(cert, now))
	}
	return out
}

// GetView returns the API view for one fingerprint.
func (r *Registry) GetView(fp string, now time.Time) (APIView, bool) {
	cert, ok := r.Get(fp)
	if !ok {
		return APIView{}, false
	}
	return r.viewOf(cert, now), true
}

// Upsert installs cert under its fingerprint, replacing any previous entry.
func (r *Registry) Upsert(cert *certificate.Certificate) {
	key := crypto.NormalizeFingerprint(cert.Fingerprint)
	cert.Fingerprint = key
	r.mu.Lock()
	r.certs[key] = cert
	if r.metrics != nil {
		r.metrics.CertificatesTracked.Set(float64(len(r.certs)))
	}
	r.mu.Unlock()
}

// Swap atomically replaces the entry oldFP with cert keyed by its new
// fingerprint. There is no intermediate state with both or neither present.
func (r *Registry) Swap(oldFP string, cert *certificate.Certificate) {
	oldKey := crypto.NormalizeFingerprint(oldFP)
	newKey := crypto.NormalizeFingerprint(cert.Fingerprint)
	cert.Fingerprint = newKey
	r.mu.Lock()
	delete(r.certs, oldKey)
	r.certs[newKey] = cert
	r.mu.Unlock()
}

// Remove deletes the entry; it reports whether it existed.
func (r *Registry) Remove(fp string) bool {
	key := crypto.NormalizeFingerprint(fp)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[key]; !ok {
		return false
	}
	delete(r.certs, key)
	delete(r.pending, key)
	if r.metrics != nil {
		r.metrics.CertificatesTracked.Set(float64(len(r.certs)))
	}
	return true
}

// ResolveAll re-runs the CA resolution pass and returns the fingerprints
// whose binding changed.
func (r *Registry) ResolveAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolver.ResolveAll(r.certs)
}

// Save persists the registry through the metadata store.
func (r *Registry) Save() error {
	r.mu.Lock()
	certsCopy := r.copyMapLocked()
	r.mu.Unlock()
	if err := r.store.Save(certsCopy); err != nil {
		return err
	}
	mtime, err := r.store.ModTime()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.configMTime = mtime
	r.mu.Unlock()
	return nil
}

// FingerprintForPath returns the fingerprint of the certificate owning the
// given file path, if any.
func (r *Registry) FingerprintForPath(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for fp, cert := range r.certs {
		for _, p := range cert.Paths {
			if p == path {
				return fp, true
			}
		}
	}
	return "", false
}

// LockFingerprint serializes write operations on one certificate. It
// returns the release function.
func (r *Registry) LockFingerprint(fp string) func() {
	mu := r.fpLock(fp)
	mu.Lock()
	return mu.Unlock
}

// TryLockFingerprint is the non-blocking variant; it returns a Conflict
// error when another operation holds the certificate.
func (r *Registry) TryLockFingerprint(fp string) (func(), error) {
	mu := r.fpLock(fp)
	if !mu.TryLock() {
		return nil, errdefs.Conflictf("certificate %s is being modified by another operation", fp)
	}
	return mu.Unlock, nil
}

func (r *Registry) fpLock(fp string) *sync.Mutex {
	key := crypto.NormalizeFingerprint(fp)
	r.fpLocksMu.Lock()
	defer r.fpLocksMu.Unlock()
	mu, ok := r.fpLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.fpLocks[key] = mu
	}
	return mu
}

func (r *Registry) snapshotLocked() map[string]*certificate.Certificate {
	out := make(map[string]*certificate.Certificate, len(r.certs))
	for k, v := range r.certs {
		out[k] = v
	}
	return out
}

func (r *Registry) copyMapLocked() map[string]*certificate.Certificate {
	out := make(map[string]*certificate.Certificate, len(r.certs))
	for k, v := range r.certs {
		out[k] = v.Clone()
	}
	return out
}

// marshalSet canonicalizes a certificate map for the dirty comparison.
func marshalSet(certs map[string]*certificate.Certificate) ([]byte, error) {
	return json.Marshal(certs)
}
