// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkeeper/certkeeper/pkg/certificate"
	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/deploy"
	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/lifecycle"
	"github.com/certkeeper/certkeeper/pkg/metadata"
	"github.com/certkeeper/certkeeper/pkg/registry"
	"github.com/certkeeper/certkeeper/pkg/snapshot"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
	"github.com/certkeeper/certkeeper/pkg/vault"
)

type fixture struct {
	scheduler *Scheduler
	pipeline  *lifecycle.Pipeline
	registry  *registry.Registry
	certsDir  string
	set       *metrics.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	certsDir := filepath.Join(root, "certs")
	require.NoError(t, os.MkdirAll(certsDir, 0o755))

	set := metrics.NewSet()
	provider := crypto.NewProvider()
	store := metadata.NewStore(filepath.Join(root, "certificates.json"))
	vlt, err := vault.Open(filepath.Join(root, "vault.json"), filepath.Join(root, "vault.key"))
	require.NoError(t, err)
	reg := registry.New(certsDir, provider, store, vlt, set)
	pipeline := lifecycle.NewPipeline(reg, snapshot.NewStore(filepath.Join(root, "archive")), deploy.NewDispatcher(set), set)

	return &fixture{
		scheduler: NewScheduler(reg, pipeline, set),
		pipeline:  pipeline,
		registry:  reg,
		certsDir:  certsDir,
		set:       set,
	}
}

func TestSetScheduleValidates(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.SetSchedule("0 3 * * *"))
	require.NoError(t, f.scheduler.SetSchedule("*/30 * * * * *")) // with seconds
	require.NoError(t, f.scheduler.SetSchedule("@daily"))

	err := f.scheduler.SetSchedule("not a cron line")
	require.Error(t, err)
	assert.True(t, errdefs.IsBadInput(err))
}

func TestEnableDisableIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.Enable())
	require.NoError(t, f.scheduler.Enable())
	assert.True(t, f.scheduler.Status().Enabled)

	f.scheduler.Disable()
	f.scheduler.Disable()
	assert.False(t, f.scheduler.Status().Enabled)
}

func TestStatusExposesNextRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.SetSchedule("0 3 * * *"))

	assert.Nil(t, f.scheduler.Status().NextRun)

	require.NoError(t, f.scheduler.Enable())
	defer f.scheduler.Disable()

	status := f.scheduler.Status()
	require.NotNil(t, status.NextRun)
	assert.True(t, status.NextRun.After(time.Now()))
	assert.Equal(t, 3, status.NextRun.Hour())
}

func TestSweepRenewsDueCertificates(t *testing.T) {
	f := newFixture(t)

	// one day of validity left with a thirty-day renewal window
	res, err := f.pipeline.CreateOrRenew(context.Background(), "expiring", lifecycle.Options{
		Domains:      []string{"expiring.example.test"},
		ValidityDays: 1,
		KeyType:      crypto.KeyTypeEC,
		Config:       certConfig(true, 30),
	})
	require.NoError(t, err)
	oldFP := res.Certificate.Fingerprint

	// comfortably outside the window
	fresh, err := f.pipeline.CreateOrRenew(context.Background(), "fresh", lifecycle.Options{
		Domains:      []string{"fresh.example.test"},
		ValidityDays: 365,
		KeyType:      crypto.KeyTypeEC,
		Config:       certConfig(true, 30),
	})
	require.NoError(t, err)

	result := f.scheduler.TriggerSweep(context.Background())
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, []string{oldFP}, result.Renewed)
	assert.Empty(t, result.Failed)

	// the due certificate was rotated, the fresh one untouched
	_, ok := f.registry.Get(oldFP)
	assert.False(t, ok)
	_, ok = f.registry.Get(fresh.Certificate.Fingerprint)
	assert.True(t, ok)
}

func TestSweepSkipsAutoRenewDisabled(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.CreateOrRenew(context.Background(), "manual", lifecycle.Options{
		Domains:      []string{"manual.example.test"},
		ValidityDays: 1,
		KeyType:      crypto.KeyTypeEC,
	})
	require.NoError(t, err)

	result := f.scheduler.TriggerSweep(context.Background())
	assert.Empty(t, result.Renewed)
	_, ok := f.registry.Get(res.Certificate.Fingerprint)
	assert.True(t, ok)
}

func TestWatcherDebouncesAndRefreshes(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.CreateOrRenew(context.Background(), "watched", lifecycle.Options{
		Domains:      []string{"watched.example.test"},
		ValidityDays: 90,
		KeyType:      crypto.KeyTypeEC,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.LoadAll(context.Background(), true))

	watcher, err := NewWatcher(f.registry, f.set, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	// two rapid writes within the quiet window collapse into one event
	certPath := res.Certificate.Paths["crt"]
	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, data, 0o644))
	require.NoError(t, os.WriteFile(certPath, data, 0o644))

	require.Eventually(t, func() bool {
		return f.registry.PendingCount() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherInvalidatesOnUnknownFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.LoadAll(context.Background(), true))
	require.True(t, f.registry.IsCacheValid())

	watcher, err := NewWatcher(f.registry, f.set, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(f.certsDir, "stranger.pem"), []byte("not yet parsed"), 0o644))

	require.Eventually(t, func() bool {
		return !f.registry.IsCacheValid()
	}, 2*time.Second, 10*time.Millisecond)
}

func certConfig(autoRenew bool, windowDays int) certificate.Config {
	return certificate.Config{AutoRenew: autoRenew, RenewDaysBeforeExpiry: windowDays}
}
