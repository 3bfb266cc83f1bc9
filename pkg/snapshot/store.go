// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package snapshot archives point-in-time copies of a certificate's file
// set under {archiveRoot}/{sanitizedName}/{type}/{id}/. Snapshot ids are
// epoch milliseconds, strictly increasing per certificate; directories are
// append-only.
package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/chrono"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
)

var log = ulog.Log.WithName("snapshot")

const metaFileName = "meta.json"

// Store manages the archive directory.
type Store struct {
	archiveRoot string
}

// NewStore builds a snapshot store rooted at archiveRoot.
func NewStore(archiveRoot string) *Store {
	return &Store{archiveRoot: archiveRoot}
}

func (s *Store) dirFor(cert *certificate.Certificate, typ certificate.SnapshotType, id int64) string {
	return filepath.Join(s.archiveRoot, fs.SanitizeName(cert.Name), string(typ), strconv.FormatInt(id, 10))
}

// nextID picks the snapshot id: current millis, bumped past any existing id
// for this certificate so ids stay strictly increasing even when two
// snapshots land in the same millisecond.
func nextID(cert *certificate.Certificate) int64 {
	id := chrono.NowMillis()
	for _, entry := range cert.Snapshots {
		if entry.ID >= id {
			id = entry.ID + 1
		}
	}
	return id
}

// Create archives every existing file of cert and appends the entry to the
// certificate's snapshot index. Any file failure removes the partial
// directory and surfaces a SnapshotError.
func (s *Store) Create(ctx context.Context, cert *certificate.Certificate, typ certificate.SnapshotType, trigger, description string) (certificate.SnapshotEntry, error) {
	if typ != certificate.SnapshotBackup && typ != certificate.SnapshotVersion {
		return certificate.SnapshotEntry{}, errdefs.BadInputf("unknown snapshot type %q", typ)
	}

	id := nextID(cert)
	dir := s.dirFor(cert, typ, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return certificate.SnapshotEntry{}, errdefs.SnapshotError(errors.WithStack(err))
	}

	files := cert.ExistingFiles(func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})

	entry := certificate.SnapshotEntry{
		ID:                    id,
		Type:                  typ,
		Trigger:               trigger,
		Description:           description,
		CreatedAt:             chrono.FromMillis(id),
		FingerprintAtSnapshot: cert.Fingerprint,
	}

	seen := map[string]struct{}{}
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(dir)
			return certificate.SnapshotEntry{}, err
		}
		base := filepath.Base(src)
		if _, dup := seen[base]; dup {
			log.Info("skipping duplicate basename in snapshot", "certificate", cert.Name, "file", src)
			continue
		}
		seen[base] = struct{}{}
		if err := fs.AtomicCopy(src, filepath.Join(dir, base)); err != nil {
			_ = os.RemoveAll(dir)
			return certificate.SnapshotEntry{}, errdefs.SnapshotError(errors.Wrapf(err, "while archiving %s", src))
		}
		entry.Files = append(entry.Files, base)
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return certificate.SnapshotEntry{}, errdefs.SnapshotError(errors.WithStack(err))
	}
	if err := fs.AtomicWrite(filepath.Join(dir, metaFileName), meta, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return certificate.SnapshotEntry{}, errdefs.SnapshotError(err)
	}

	cert.Snapshots = append(cert.Snapshots, entry)
	log.V(1).Info("snapshot created", "certificate", cert.Name, "id", id, "type", typ, "trigger", trigger, "files", len(entry.Files))
	return entry, nil
}

// List returns the certificate's snapshot entries of the given type ("all"
// or empty for every type), newest first; ties break on id descending.
func (s *Store) List(cert *certificate.Certificate, typ string) []certificate.SnapshotEntry {
	var out []certificate.SnapshotEntry
	for _, entry := range cert.Snapshots {
		if typ == "" || typ == "all" || string(entry.Type) == typ {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// find returns the index of the entry with the given id, or -1.
func find(cert *certificate.Certificate, id int64) int {
	for i, entry := range cert.Snapshots {
		if entry.ID == id {
			return i
		}
	}
	return -1
}

// Restore overwrites the certificate's live files with the snapshot copies.
// Live files absent from the snapshot are left untouched. The caller must
// re-parse the certificate afterwards; Restore does not touch the entity's
// parsed fields.
func (s *Store) Restore(ctx context.Context, cert *certificate.Certificate, id int64) error {
	i := find(cert, id)
	if i < 0 {
		return errdefs.NotFoundf("certificate %s has no snapshot %d", cert.Name, id)
	}
	entry := cert.Snapshots[i]
	dir := s.dirFor(cert, entry.Type, entry.ID)

	// map live basenames back to their absolute paths
	liveByBase := map[string]string{}
	for _, p := range cert.Paths {
		if p != "" {
			liveByBase[filepath.Base(p)] = p
		}
	}
	certDir := ""
	if cp := cert.CertPath(); cp != "" {
		certDir = filepath.Dir(cp)
	}

	for _, base := range entry.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest, ok := liveByBase[base]
		if !ok {
			if certDir == "" {
				log.Info("snapshot file has no live counterpart, skipping", "certificate", cert.Name, "file", base)
				continue
			}
			dest = filepath.Join(certDir, base)
		}
		if err := fs.AtomicCopy(filepath.Join(dir, base), dest); err != nil {
			return errdefs.SnapshotError(errors.Wrapf(err, "while restoring %s", base))
		}
	}
	log.Info("snapshot restored", "certificate", cert.Name, "id", id)
	return nil
}

// Delete removes the snapshot directory recursively and drops the index
// entry. A missing id is a NotFound error.
func (s *Store) Delete(cert *certificate.Certificate, id int64) error {
	i := find(cert, id)
	if i < 0 {
		return errdefs.NotFoundf("certificate %s has no snapshot %d", cert.Name, id)
	}
	entry := cert.Snapshots[i]
	if err := os.RemoveAll(s.dirFor(cert, entry.Type, entry.ID)); err != nil {
		return errdefs.IOError(errors.WithStack(err))
	}
	cert.Snapshots = append(cert.Snapshots[:i:i], cert.Snapshots[i+1:]...)
	return nil
}

// DeleteAll removes every snapshot belonging to cert, used when the owning
// certificate is deleted with its snapshots.
func (s *Store) DeleteAll(cert *certificate.Certificate) error {
	root := filepath.Join(s.archiveRoot, fs.SanitizeName(cert.Name))
	if err := os.RemoveAll(root); err != nil {
		return errdefs.IOError(errors.WithStack(err))
	}
	cert.Snapshots = nil
	return nil
}
