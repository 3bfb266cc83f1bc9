// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package daemon starts the long-running engine: registry, scheduler,
// watcher and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/certkeeper/certkeeper/pkg/config"
	"github.com/certkeeper/certkeeper/pkg/crypto"
	"github.com/certkeeper/certkeeper/pkg/deploy"
	"github.com/certkeeper/certkeeper/pkg/lifecycle"
	"github.com/certkeeper/certkeeper/pkg/metadata"
	"github.com/certkeeper/certkeeper/pkg/registry"
	"github.com/certkeeper/certkeeper/pkg/scheduler"
	"github.com/certkeeper/certkeeper/pkg/server"
	"github.com/certkeeper/certkeeper/pkg/snapshot"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
	"github.com/certkeeper/certkeeper/pkg/vault"
)

var log = ulog.Log.WithName("daemon")

// Command returns the daemon subcommand.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the certificate lifecycle engine",
		Run: func(cmd *cobra.Command, args []string) {
			execute(cmd)
		},
	}
	config.BindFlags(cmd.Flags())
	ulog.BindFlags(cmd.Flags())
	return cmd
}

func execute(cmd *cobra.Command) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		fatal(err)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	settings := config.FromViper(v)

	if err := settings.Validate(); err != nil {
		fatal(err)
	}

	logOpts := []ulog.Option{ulog.WithLogDir(settings.LogDir)}
	// an explicit --log-verbosity wins over the coarser log-level
	if !cmd.Flags().Changed(ulog.FlagName) {
		logOpts = append(logOpts, ulog.WithVerbosity(settings.Verbosity()))
	}
	ulog.InitLogger(logOpts...)
	log.Info("starting certificate lifecycle engine",
		"configDir", settings.ConfigDir, "certsDir", settings.CertsDir, "port", settings.Port)

	set := metrics.NewSet()
	provider := crypto.NewProvider()
	store := metadata.NewStore(settings.MetadataPath())
	vlt, err := vault.Open(settings.VaultPath(), settings.MasterKeyPath())
	if err != nil {
		fatal(err)
	}
	reg := registry.New(settings.CertsDir, provider, store, vlt, set)
	snapshots := snapshot.NewStore(settings.ArchiveDir)
	dispatcher := deploy.NewDispatcher(set)
	pipeline := lifecycle.NewPipeline(reg, snapshots, dispatcher, set)
	sched := scheduler.NewScheduler(reg, pipeline, set)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.LoadAll(ctx, true); err != nil {
		fatal(err)
	}
	log.Info("registry loaded", "certificates", len(reg.GetAll()))

	debounce, err := time.ParseDuration(settings.Debounce)
	if err != nil {
		fatal(fmt.Errorf("invalid watcher debounce %q: %w", settings.Debounce, err))
	}
	watcher, err := scheduler.NewWatcher(reg, set, debounce)
	if err != nil {
		fatal(err)
	}
	if err := watcher.Start(); err != nil {
		fatal(err)
	}
	defer watcher.Stop()

	if settings.Schedule != "" {
		if err := sched.SetSchedule(settings.Schedule); err != nil {
			fatal(err)
		}
	}
	if err := sched.Enable(); err != nil {
		fatal(err)
	}
	defer sched.Disable()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           server.New(reg, pipeline, sched, vlt, set).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown failed")
	}
}

// fatal reports a startup failure on stderr and exits with code 1.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err.Error())
	os.Exit(1)
}
