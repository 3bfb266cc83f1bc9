// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
)

func testCert(t *testing.T, dir string) *certificate.Certificate {
	t.Helper()
	cert := certificate.New("web server")
	cert.Fingerprint = "aabbcc"
	certPath := filepath.Join(dir, "web.crt")
	keyPath := filepath.Join(dir, "web.key")
	require.NoError(t, os.WriteFile(certPath, []byte("cert v1"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("key v1"), 0o600))
	cert.SetPath(certificate.PathCert, certPath)
	cert.SetPath(certificate.PathKey, keyPath)
	return cert
}

func TestCreateAndList(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	s := NewStore(archive)
	cert := testCert(t, dir)
	ctx := context.Background()

	entry, err := s.Create(ctx, cert, certificate.SnapshotVersion, "pre-renewal", "before renewing")
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", entry.FingerprintAtSnapshot)
	assert.ElementsMatch(t, []string{"web.crt", "web.key"}, entry.Files)

	// files landed under the sanitized name
	snapDir := filepath.Join(archive, "web_server", "version")
	dirs, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	require.Len(t, dirs, 1)

	// meta.json round-trips the entry
	metaRaw, err := os.ReadFile(filepath.Join(snapDir, dirs[0].Name(), "meta.json"))
	require.NoError(t, err)
	var meta certificate.SnapshotEntry
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	assert.Equal(t, entry.ID, meta.ID)
	assert.Equal(t, "pre-renewal", meta.Trigger)

	second, err := s.Create(ctx, cert, certificate.SnapshotBackup, "manual", "")
	require.NoError(t, err)
	assert.Greater(t, second.ID, entry.ID, "ids are strictly increasing")

	all := s.List(cert, "all")
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	versionsOnly := s.List(cert, "version")
	require.Len(t, versionsOnly, 1)
	assert.Equal(t, entry.ID, versionsOnly[0].ID)
}

func TestIDCollisionBumps(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "archive"))
	cert := testCert(t, dir)

	// pretend an entry from the far future already exists
	cert.Snapshots = append(cert.Snapshots, certificate.SnapshotEntry{ID: 99999999999999})
	entry, err := s.Create(context.Background(), cert, certificate.SnapshotVersion, "t", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100000000000000), entry.ID)
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "archive"))
	cert := testCert(t, dir)
	ctx := context.Background()

	entry, err := s.Create(ctx, cert, certificate.SnapshotVersion, "pre-renewal", "")
	require.NoError(t, err)

	// mutate live files, then restore
	require.NoError(t, os.WriteFile(cert.CertPath(), []byte("cert v2"), 0o644))
	extra := filepath.Join(dir, "extra.txt")
	require.NoError(t, os.WriteFile(extra, []byte("left alone"), 0o644))

	require.NoError(t, s.Restore(ctx, cert, entry.ID))

	restored, err := os.ReadFile(cert.CertPath())
	require.NoError(t, err)
	assert.Equal(t, "cert v1", string(restored))
	// restores are additive: files outside the snapshot stay
	untouched, err := os.ReadFile(extra)
	require.NoError(t, err)
	assert.Equal(t, "left alone", string(untouched))
}

func TestRestoreUnknownID(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "archive"))
	cert := testCert(t, dir)
	err := s.Restore(context.Background(), cert, 12345)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "archive"))
	cert := testCert(t, dir)
	ctx := context.Background()

	entry, err := s.Create(ctx, cert, certificate.SnapshotBackup, "manual", "")
	require.NoError(t, err)
	snapDir := filepath.Join(dir, "archive", "web_server", "backup")

	require.NoError(t, s.Delete(cert, entry.ID))
	assert.Empty(t, cert.Snapshots)
	dirs, _ := os.ReadDir(snapDir)
	assert.Empty(t, dirs)

	err = s.Delete(cert, entry.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteAll(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "archive"))
	cert := testCert(t, dir)
	ctx := context.Background()

	_, err := s.Create(ctx, cert, certificate.SnapshotBackup, "manual", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, cert, certificate.SnapshotVersion, "pre-renewal", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAll(cert))
	assert.Empty(t, cert.Snapshots)
	_, err = os.Stat(filepath.Join(dir, "archive", "web_server"))
	assert.True(t, os.IsNotExist(err))
}
