// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, string, string) {
	t.Helper()
	dir := t.TempDir()
	vaultPath := filepath.Join(dir, "passphrases.enc")
	keyPath := filepath.Join(dir, "master.key")
	v, err := Open(vaultPath, keyPath)
	require.NoError(t, err)
	return v, vaultPath, keyPath
}

func TestStoreGetHasDelete(t *testing.T) {
	v, _, _ := newTestVault(t)

	require.NoError(t, v.Store("aabb", "s3cret"))
	assert.True(t, v.Has("aabb"))

	got, ok := v.Get("aabb")
	require.True(t, ok)
	assert.Equal(t, "s3cret", got)

	_, ok = v.Get("ccdd")
	assert.False(t, ok)
	assert.False(t, v.Has("ccdd"))

	require.NoError(t, v.Delete("aabb"))
	assert.False(t, v.Has("aabb"))
	// deleting again is a no-op
	require.NoError(t, v.Delete("aabb"))
}

func TestPlaintextNeverOnDisk(t *testing.T) {
	v, vaultPath, _ := newTestVault(t)
	require.NoError(t, v.Store("aabb", "hunter2-plaintext"))

	raw, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2-plaintext")
}

func TestReopenKeepsEntries(t *testing.T) {
	v, vaultPath, keyPath := newTestVault(t)
	require.NoError(t, v.Store("aabb", "s3cret"))

	reopened, err := Open(vaultPath, keyPath)
	require.NoError(t, err)
	got, ok := reopened.Get("aabb")
	require.True(t, ok)
	assert.Equal(t, "s3cret", got)
}

func TestRotateKey(t *testing.T) {
	v, vaultPath, keyPath := newTestVault(t)
	require.NoError(t, v.Store("aabb", "s3cret"))
	require.NoError(t, v.Store("ccdd", "other"))

	before, err := os.ReadFile(vaultPath)
	require.NoError(t, err)

	require.NoError(t, v.RotateKey())

	after, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	for fp, want := range map[string]string{"aabb": "s3cret", "ccdd": "other"} {
		got, ok := v.Get(fp)
		require.True(t, ok, fp)
		assert.Equal(t, want, got)
	}

	// rotation survives a reopen
	reopened, err := Open(vaultPath, keyPath)
	require.NoError(t, err)
	got, ok := reopened.Get("aabb")
	require.True(t, ok)
	assert.Equal(t, "s3cret", got)
}

func TestOpenWithWrongMasterKey(t *testing.T) {
	v, vaultPath, _ := newTestVault(t)
	require.NoError(t, v.Store("aabb", "s3cret"))

	otherKey := filepath.Join(t.TempDir(), "other.key")
	stranger, err := Open(vaultPath, otherKey)
	require.NoError(t, err)
	_, ok := stranger.Get("aabb")
	assert.False(t, ok)
}

func TestCorruptVaultFile(t *testing.T) {
	dir := t.TempDir()
	vaultPath := filepath.Join(dir, "passphrases.enc")
	require.NoError(t, os.WriteFile(vaultPath, []byte("{not json"), 0o600))
	_, err := Open(vaultPath, filepath.Join(dir, "master.key"))
	require.Error(t, err)
}
