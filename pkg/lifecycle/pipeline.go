// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package lifecycle orchestrates create, renew, restore and delete across
// the registry, the crypto provider, the snapshot store, the vault and the
// deploy dispatcher. All crypto and filesystem work happens outside the
// registry lock; only the commit step mutates registry state.
package lifecycle

import (
	"context"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/deploy"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/registry"
	"github.com/certkeeper/certkeeper/pkg/snapshot"
	utilsfs "github.com/certkeeper/certkeeper/pkg/utils/fs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
)

var log = ulog.Log.WithName("lifecycle")

// SignTimeout bounds one signing operation.
const SignTimeout = 60 * time.Second

// Pipeline wires the lifecycle dependencies together.
type Pipeline struct {
	registry  *registry.Registry
	snapshots *snapshot.Store
	deployer  *deploy.Dispatcher
	metrics   *metrics.Set
}

// NewPipeline builds the orchestrator.
func NewPipeline(reg *registry.Registry, snapshots *snapshot.Store, deployer *deploy.Dispatcher, set *metrics.Set) *Pipeline {
	return &Pipeline{registry: reg, snapshots: snapshots, deployer: deployer, metrics: set}
}

// Snapshots exposes the snapshot store for read paths.
func (p *Pipeline) Snapshots() *snapshot.Store { return p.snapshots }

// DeleteSnapshot removes one snapshot of the certificate and persists the
// updated index.
func (p *Pipeline) DeleteSnapshot(ctx context.Context, key string, id int64) error {
	cert, found := p.registry.Lookup(key)
	if !found {
		return errdefs.NotFoundf("certificate %q not found", key)
	}
	if err := p.snapshots.Delete(cert, id); err != nil {
		return err
	}
	p.countSnapshot("delete")
	p.registry.Upsert(cert)
	return p.registry.Save()
}

// Subject carries the distinguished-name fields for a new certificate.
type Subject struct {
	CommonName         string `json:"commonName"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizationalUnit,omitempty"`
	Country            string `json:"country,omitempty"`
	Province           string `json:"province,omitempty"`
	Locality           string `json:"locality,omitempty"`
}

func (s Subject) pkixName() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	return name
}

// Options parameterizes CreateOrRenew. On renewal only ValidityDays,
// Passphrase, CAPassphrase, SkipSnapshot and Deploy are consulted; the rest
// describes the certificate to create.
type Options struct {
	Name         string             `json:"name"`
	Subject      Subject            `json:"subject"`
	Domains      []string           `json:"domains"`
	IPs          []string           `json:"ips"`
	ValidityDays int                `json:"validityDays"`
	IsCA         bool               `json:"isCA"`
	PathLen      *int               `json:"pathLen"`
	KeyType      crypto.KeyType     `json:"keyType"`
	KeyBits      int                `json:"keyBits"`
	Curve        string             `json:"curve"`
	Config       certificate.Config `json:"config"`

	// CA names or fingerprints the signing CA; empty falls back to the
	// entity's resolved binding.
	CA           string `json:"ca"`
	Passphrase   string `json:"passphrase"`
	CAPassphrase string `json:"caPassphrase"`

	SkipSnapshot bool `json:"skipSnapshot"`
	// Deploy nil means deploy; false suppresses dispatch for this run.
	Deploy *bool `json:"deploy"`
}

func (o Options) deployWanted() bool { return o.Deploy == nil || *o.Deploy }

// Result is the outcome of a lifecycle operation.
type Result struct {
	IsRenewal    bool                   `json:"isRenewal"`
	Certificate  registry.APIView       `json:"certificate"`
	DeployResult *deploy.DispatchResult `json:"deployResult,omitempty"`
	DeployError  string                 `json:"deployError,omitempty"`
}

// CreateOrRenew looks up key as a fingerprint then as a name; a hit renews
// the existing certificate, a miss creates a new one named key (or
// opts.Name). The registry is left consistent on any failure: either the
// old state is preserved or the new state is fully installed.
func (p *Pipeline) CreateOrRenew(ctx context.Context, key string, opts Options) (*Result, error) {
	cert, found := p.registry.Lookup(key)
	if found {
		return p.renew(ctx, cert, opts, nil)
	}
	return p.create(ctx, key, opts)
}

// ApplyIdleAndRenew promotes the staged idle SANs into the active lists and
// renews the certificate so the new SAN set is baked into the file.
func (p *Pipeline) ApplyIdleAndRenew(ctx context.Context, key string, opts Options) (*Result, error) {
	cert, found := p.registry.Lookup(key)
	if !found {
		return nil, errdefs.NotFoundf("certificate %q not found", key)
	}
	cert.ApplyIdleSubjects()
	// non-nil slices so an emptied list replaces rather than preserves
	sans := &crypto.RenewSpec{
		Domains: append([]string{}, cert.SANs.Domains...),
		IPs:     append([]string{}, cert.SANs.IPs...),
	}
	return p.renew(ctx, cert, opts, sans)
}

// renew re-issues cert's file in place. sans, when non-nil, replaces the SAN
// lists baked into the new certificate.
func (p *Pipeline) renew(ctx context.Context, cert *certificate.Certificate, opts Options, sans *crypto.RenewSpec) (*Result, error) {
	oldFP := cert.Fingerprint
	release, err := p.registry.TryLockFingerprint(oldFP)
	if err != nil {
		return nil, err
	}
	defer release()

	certPath := cert.CertPath()
	keyPath := cert.KeyPath()
	if certPath == "" || keyPath == "" {
		return nil, errdefs.BadInputf("certificate %s is missing its file or key path", cert.Name)
	}

	if !opts.SkipSnapshot {
		if _, err := p.snapshots.Create(ctx, cert, certificate.SnapshotVersion, "pre-renewal", ""); err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		p.countSnapshot("create")
	}

	issuerCertPath, issuerKeyPath := certPath, keyPath
	issuerFP := oldFP
	if cert.Config.SignWithCA {
		ca, err := p.resolveCA(cert, opts.CA)
		if err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		issuerCertPath, issuerKeyPath = ca.CertPath(), ca.KeyPath()
		issuerFP = ca.Fingerprint
		if issuerCertPath == "" || issuerKeyPath == "" {
			p.countRenewal("failure")
			return nil, errdefs.BadInputf("signing CA %s is missing its file or key path", ca.Name)
		}
	}

	issuerPassphrase := opts.CAPassphrase
	if !cert.Config.SignWithCA {
		issuerPassphrase = opts.Passphrase
	}
	issuerPassphrase, err = p.resolvePassphrase(issuerKeyPath, issuerFP, issuerPassphrase)
	if err != nil {
		p.countRenewal("failure")
		return nil, err
	}

	validityDays := opts.ValidityDays
	if validityDays <= 0 {
		validityDays = cert.Config.ValidityDays
	}
	spec := crypto.RenewSpec{ValidityDays: validityDays}
	if sans != nil {
		spec.Domains = sans.Domains
		spec.IPs = sans.IPs
	}

	signCtx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()
	if _, err := p.registry.Provider().Renew(signCtx, certPath, certPath, issuerCertPath, issuerKeyPath, issuerPassphrase, spec); err != nil {
		p.countRenewal("failure")
		return nil, err
	}

	result, err := p.commit(ctx, cert, oldFP, opts, true)
	if err != nil {
		p.countRenewal("failure")
		return nil, err
	}
	p.countRenewal("success")
	return result, nil
}

// create issues a brand new certificate under certsDir/{sanitizedName}/.
func (p *Pipeline) create(ctx context.Context, key string, opts Options) (*Result, error) {
	name := opts.Name
	if name == "" {
		name = key
	}
	if name == "" {
		return nil, errdefs.BadInputf("a certificate name is required")
	}
	if _, exists := p.registry.GetByName(name); exists {
		return nil, errdefs.Conflictf("certificate %q already exists", name)
	}

	release, err := p.registry.TryLockFingerprint("create:" + name)
	if err != nil {
		return nil, err
	}
	defer release()

	dir := filepath.Join(p.registry.CertsDir(), utilsfs.SanitizeName(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	stem := filepath.Join(dir, utilsfs.SanitizeName(name))
	keyPath := stem + ".key"
	certPath := stem + ".crt"

	cert := certificate.New(name)
	cert.Config = opts.Config
	cert.SetPath(certificate.PathKey, keyPath)
	cert.SetPath(certificate.PathCert, certPath)

	subject := opts.Subject
	if subject.CommonName == "" {
		subject.CommonName = name
	}
	spec := crypto.CertificateSpec{
		Subject:      subject.pkixName(),
		Domains:      opts.Domains,
		IPs:          opts.IPs,
		ValidityDays: opts.ValidityDays,
		IsCA:         opts.IsCA,
		PathLen:      opts.PathLen,
		KeyUsage:     crypto.KeyUsageFromNames(opts.Config.KeyUsage),
		ExtKeyUsage:  crypto.ExtKeyUsageFromNames(opts.Config.ExtendedKeyUsage),
	}

	provider := p.registry.Provider()
	signCtx, cancel := context.WithTimeout(ctx, SignTimeout)
	defer cancel()

	keySpec := crypto.KeySpec{Type: opts.KeyType, Bits: opts.KeyBits, Curve: opts.Curve}
	if keySpec.Type == "" {
		keySpec.Type = crypto.KeyTypeRSA
	}
	if _, err := provider.GenerateKey(signCtx, keyPath, keySpec, opts.Passphrase); err != nil {
		p.countRenewal("failure")
		return nil, err
	}

	if opts.Config.SignWithCA || opts.CA != "" {
		ca, err := p.resolveCA(cert, opts.CA)
		if err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		caPassphrase, err := p.resolvePassphrase(ca.KeyPath(), ca.Fingerprint, opts.CAPassphrase)
		if err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		csrPath := stem + ".csr"
		cert.SetPath(certificate.PathCSR, csrPath)
		if err := provider.CreateCSR(signCtx, keyPath, opts.Passphrase, csrPath, spec); err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		if _, err := provider.SignCSR(signCtx, csrPath, ca.CertPath(), ca.KeyPath(), caPassphrase, certPath, spec); err != nil {
			p.countRenewal("failure")
			return nil, err
		}
		fp := ca.Fingerprint
		caName := ca.Name
		cert.Config.SignWithCA = true
		cert.Config.CAFingerprint = &fp
		cert.Config.CAName = &caName
	} else {
		if _, err := provider.SelfSign(signCtx, keyPath, opts.Passphrase, certPath, spec); err != nil {
			p.countRenewal("failure")
			return nil, err
		}
	}

	result, err := p.commit(ctx, cert, "", opts, false)
	if err != nil {
		p.countRenewal("failure")
		return nil, err
	}
	p.countRenewal("success")
	return result, nil
}

// commit refreshes the entity from its freshly written file, installs it in
// the registry (swapping keys on a fingerprint change), persists, notifies
// and dispatches deploy actions.
func (p *Pipeline) commit(ctx context.Context, cert *certificate.Certificate, oldFP string, opts Options, isRenewal bool) (*Result, error) {
	if err := cert.RefreshFromFile(ctx, p.registry.Provider()); err != nil {
		return nil, err
	}
	newFP := cert.Fingerprint

	if encrypted, err := p.registry.Provider().IsKeyEncrypted(cert.KeyPath()); err == nil {
		cert.NeedsPassphrase = encrypted
	}

	// vault bookkeeping happens before the registry install so the entity is
	// never mutated once it is visible to readers
	vlt := p.registry.Vault()
	if vlt != nil && oldFP != "" && oldFP != newFP {
		if pass, ok := vlt.Get(oldFP); ok {
			if err := vlt.Store(newFP, pass); err != nil {
				log.Error(err, "unable to carry passphrase to the renewed key", "certificate", cert.Name)
			}
			if err := vlt.Delete(oldFP); err != nil {
				log.Error(err, "unable to drop stale vault entry", "fingerprint", oldFP)
			}
		}
	}
	if opts.Passphrase != "" && vlt != nil {
		if err := vlt.Store(newFP, opts.Passphrase); err != nil {
			return nil, err
		}
		cert.NeedsPassphrase = true
	}

	if oldFP != "" && oldFP != newFP {
		p.registry.Swap(oldFP, cert)
	} else {
		p.registry.Upsert(cert)
	}

	if err := p.registry.Save(); err != nil {
		return nil, err
	}
	kind := registry.ChangeCreate
	if isRenewal {
		kind = registry.ChangeUpdate
	}
	p.registry.NotifyChanged(newFP, kind)

	result := &Result{IsRenewal: isRenewal}
	if view, ok := p.registry.GetView(newFP, time.Now()); ok {
		result.Certificate = view
	}

	if opts.deployWanted() && len(cert.Config.DeployActions) > 0 && p.deployer != nil {
		dispatch, err := p.deployer.Dispatch(ctx, cert.Config.DeployActions, deploy.Target{
			CertName:    cert.Name,
			Fingerprint: newFP,
			Files:       cert.Paths,
		})
		result.DeployResult = &dispatch
		if err != nil {
			// a deploy failure never fails the renewal itself
			result.DeployError = err.Error()
			log.Error(err, "deploy dispatch failed", "certificate", cert.Name, "run", dispatch.RunID)
		}
	}
	return result, nil
}

// RestoreFromSnapshot copies the files of snapshot id back over the live
// set, after taking a pre-restore version snapshot.
func (p *Pipeline) RestoreFromSnapshot(ctx context.Context, key string, id int64) (*Result, error) {
	cert, found := p.registry.Lookup(key)
	if !found {
		return nil, errdefs.NotFoundf("certificate %q not found", key)
	}
	oldFP := cert.Fingerprint

	release, err := p.registry.TryLockFingerprint(oldFP)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := p.snapshots.Create(ctx, cert, certificate.SnapshotVersion, "pre-restore", ""); err != nil {
		return nil, err
	}
	p.countSnapshot("create")

	if err := p.snapshots.Restore(ctx, cert, id); err != nil {
		return nil, err
	}
	p.countSnapshot("restore")

	result, err := p.commit(ctx, cert, oldFP, Options{SkipSnapshot: true}, true)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Backup takes an explicit backup snapshot without touching the live files.
func (p *Pipeline) Backup(ctx context.Context, key, description string) (certificate.SnapshotEntry, error) {
	cert, found := p.registry.Lookup(key)
	if !found {
		return certificate.SnapshotEntry{}, errdefs.NotFoundf("certificate %q not found", key)
	}
	entry, err := p.snapshots.Create(ctx, cert, certificate.SnapshotBackup, "manual", description)
	if err != nil {
		return certificate.SnapshotEntry{}, err
	}
	p.countSnapshot("create")
	p.registry.Upsert(cert)
	if err := p.registry.Save(); err != nil {
		return certificate.SnapshotEntry{}, err
	}
	return entry, nil
}

// DeleteOptions tunes certificate deletion.
type DeleteOptions struct {
	DeleteFiles     bool `json:"deleteFiles"`
	DeleteSnapshots bool `json:"deleteSnapshots"`
}

// Delete removes the certificate from the registry, optionally with its
// files and snapshot archive, and drops any vault entry.
func (p *Pipeline) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	cert, found := p.registry.Lookup(key)
	if !found {
		return errdefs.NotFoundf("certificate %q not found", key)
	}
	fp := cert.Fingerprint

	release, err := p.registry.TryLockFingerprint(fp)
	if err != nil {
		return err
	}
	defer release()

	if opts.DeleteSnapshots {
		if err := p.snapshots.DeleteAll(cert); err != nil {
			return err
		}
		p.countSnapshot("delete")
	}
	if opts.DeleteFiles {
		for _, path := range cert.ExistingFiles(func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}) {
			if err := os.Remove(path); err != nil {
				return errdefs.IOError(errors.WithStack(err))
			}
		}
	}
	if p.registry.Vault() != nil && p.registry.Vault().Has(fp) {
		if err := p.registry.Vault().Delete(fp); err != nil {
			log.Error(err, "unable to drop vault entry for deleted certificate", "fingerprint", fp)
		}
	}

	p.registry.Remove(fp)
	if err := p.registry.Save(); err != nil {
		return err
	}
	p.registry.NotifyChanged(fp, registry.ChangeDelete)
	return nil
}

// resolveCA picks the signing CA: an explicit override first, then the
// entity's resolved binding.
func (p *Pipeline) resolveCA(cert *certificate.Certificate, override string) (*certificate.Certificate, error) {
	if override != "" {
		ca, found := p.registry.Lookup(override)
		if !found {
			return nil, errdefs.NotFoundf("signing CA %q not found", override)
		}
		if !ca.IsCA {
			return nil, errdefs.BadInputf("certificate %q is not a CA", override)
		}
		return ca, nil
	}
	if cert.Config.CAFingerprint == nil {
		return nil, errdefs.BadInputf("certificate %s has no resolved signing CA", cert.Name)
	}
	ca, found := p.registry.Get(*cert.Config.CAFingerprint)
	if !found {
		return nil, errdefs.NotFoundf("signing CA %s not found in the registry", *cert.Config.CAFingerprint)
	}
	return ca, nil
}

// resolvePassphrase returns the passphrase for the key at keyPath:
// the explicit one, then the vault entry, then failure if the key is
// encrypted and neither is available.
func (p *Pipeline) resolvePassphrase(keyPath, fp, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	encrypted, err := p.registry.Provider().IsKeyEncrypted(keyPath)
	if err != nil {
		return "", err
	}
	if !encrypted {
		return "", nil
	}
	if p.registry.Vault() != nil {
		if pass, ok := p.registry.Vault().Get(fp); ok {
			return pass, nil
		}
	}
	return "", errdefs.WrongPassphrase(errors.Errorf("key %s is encrypted and no passphrase is available", keyPath))
}

func (p *Pipeline) countRenewal(outcome string) {
	if p.metrics != nil {
		p.metrics.RenewalsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countSnapshot(kind string) {
	if p.metrics != nil {
		p.metrics.SnapshotOpsTotal.WithLabelValues(kind).Inc()
	}
}
