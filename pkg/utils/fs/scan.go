// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package fs holds filesystem helpers shared by the engine: atomic writes,
// certificate directory scanning and archive name sanitization.
package fs

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// certExtensions are the file extensions considered certificate material
// during discovery.
var certExtensions = map[string]struct{}{
	".crt":  {},
	".pem":  {},
	".cer":  {},
	".cert": {},
}

// skippedDirs are directory names excluded from discovery and watching.
var skippedDirs = map[string]struct{}{
	"backups": {},
	"archive": {},
}

// IsCertFile reports whether path looks like certificate material by extension.
func IsCertFile(path string) bool {
	_, ok := certExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsIgnoredDir reports whether a directory with the given base name is
// excluded from discovery (snapshot storage and hidden directories).
func IsIgnoredDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := skippedDirs[name]
	return ok
}

// ScanCertFiles walks root recursively and returns all certificate files,
// skipping backups, archive and hidden entries. A missing root yields an
// empty result rather than an error so that a fresh install starts clean.
func ScanCertFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != root && IsIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if IsCertFile(path) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "while scanning %s", root)
	}
	return out, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeName maps a certificate name onto a filesystem-safe directory name.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
