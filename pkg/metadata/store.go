// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package metadata persists the whole certificate registry as a single JSON
// file, written atomically. A corrupt file is quarantined, never deleted.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/chrono"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/retry"
)

var log = ulog.Log.WithName("metadata")

// FileVersion is the persisted schema version.
const FileVersion = 1

// File is the on-disk shape of the registry.
type File struct {
	Version      int                                 `json:"version"`
	LastUpdate   time.Time                           `json:"lastUpdate"`
	Certificates map[string]*certificate.Certificate `json:"certificates"`
}

// Store reads and writes the registry file.
type Store struct {
	path string
}

// NewStore builds a store for the given file path
// (typically {configDir}/certificates.json).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the metadata file location.
func (s *Store) Path() string { return s.path }

// ModTime returns the file's mtime; the zero time if it does not exist yet.
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errdefs.IOError(errors.WithStack(err))
	}
	return info.ModTime(), nil
}

// Load reads the registry. A missing or empty file yields an empty registry.
// An unparsable file is copied aside to {path}.corrupt-{epochMillis} and an
// empty registry is returned; the corrupt copy is never deleted.
func (s *Store) Load() (*File, error) {
	empty := &File{Version: FileVersion, Certificates: map[string]*certificate.Certificate{}}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return empty, nil
	}
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	if len(data) == 0 {
		return empty, nil
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, chrono.NowMillis())
		if cerr := fs.AtomicWrite(quarantine, data, 0o600); cerr != nil {
			log.Error(cerr, "unable to quarantine corrupt metadata", "path", s.path)
		} else {
			log.Info("corrupt metadata quarantined, starting from an empty registry", "quarantine", quarantine)
		}
		return empty, nil
	}

	if file.Certificates == nil {
		file.Certificates = map[string]*certificate.Certificate{}
	}
	for fp, cert := range file.Certificates {
		if cert.Fingerprint == "" {
			cert.Fingerprint = fp
		}
		cert.Rederive()
	}
	return &file, nil
}

// Save serializes the registry with stable key ordering and replaces the
// file atomically. Transient filesystem errors are retried once.
func (s *Store) Save(certs map[string]*certificate.Certificate) error {
	file := File{
		Version:      FileVersion,
		LastUpdate:   time.Now().Truncate(time.Second).UTC(),
		Certificates: certs,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "while serializing registry")
	}
	if err := retry.OnTransient(func() error {
		return fs.AtomicWrite(s.path, data, 0o600)
	}); err != nil {
		return errdefs.IOError(err)
	}
	return nil
}
