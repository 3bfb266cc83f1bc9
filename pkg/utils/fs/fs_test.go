// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.json")

	require.NoError(t, AtomicWrite(target, []byte("v1"), 0o600))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	// overwrite leaves no .tmp behind
	require.NoError(t, AtomicWrite(target, []byte("v2"), 0o600))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAtomicCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.pem")
	dst := filepath.Join(dir, "nested", "dst.pem")
	require.NoError(t, os.WriteFile(src, []byte("cert bytes"), 0o640))

	require.NoError(t, AtomicCopy(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "cert bytes", string(got))
}

func TestScanCertFiles(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	mustWrite("a/server.crt")
	mustWrite("a/server.key")
	mustWrite("b/chain.pem")
	mustWrite("b/leaf.cert")
	mustWrite("c/root.cer")
	mustWrite("backups/old.crt")
	mustWrite("a/archive/v1.pem")
	mustWrite(".hidden/secret.crt")
	mustWrite("a/.dotfile.pem")

	files, err := ScanCertFiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a/server.crt"),
		filepath.Join(dir, "b/chain.pem"),
		filepath.Join(dir, "b/leaf.cert"),
		filepath.Join(dir, "c/root.cer"),
	}, files)
}

func TestScanCertFilesMissingRoot(t *testing.T) {
	files, err := ScanCertFiles(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"web-server", "web-server"},
		{"*.example.com", "_.example.com"},
		{"my cert (prod)", "my_cert__prod_"},
		{"a/b\\c", "a_b_c"},
		{"Ok_1.2-3", "Ok_1.2-3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), tt.in)
	}
}
