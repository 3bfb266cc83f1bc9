// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package config resolves the engine settings from flags and environment
// variables. Flags win over environment variables, which win over defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag and environment variable names. The environment form is the
// uppercased flag name with dashes replaced by underscores (config-dir →
// CONFIG_DIR).
const (
	ConfigDirFlag  = "config-dir"
	CertsDirFlag   = "certs-dir"
	ArchiveDirFlag = "archive-dir"
	PortFlag       = "port"
	HTTPSPortFlag  = "https-port"
	LogLevelFlag   = "log-level"
	LogDirFlag     = "log-dir"
	ScheduleFlag   = "renewal-schedule"
	DebounceFlag   = "watcher-debounce"
)

const (
	DefaultConfigDir = "/etc/certkeeper"
	DefaultPort      = 8080
	DefaultHTTPSPort = 8443
)

// Settings is the resolved engine configuration.
type Settings struct {
	ConfigDir  string
	CertsDir   string
	ArchiveDir string
	Port       int
	HTTPSPort  int
	LogLevel   string
	LogDir     string
	Schedule   string
	Debounce   string
}

// BindFlags registers the engine flags on the given set and wires them into
// viper alongside the matching environment variables.
func BindFlags(flags *pflag.FlagSet) {
	flags.String(ConfigDirFlag, DefaultConfigDir, "Directory holding certificates.json and the vault")
	flags.String(CertsDirFlag, "", "Directory holding the live certificate files (default {config-dir}/certs)")
	flags.String(ArchiveDirFlag, "", "Directory holding snapshot archives (default {config-dir}/archive)")
	flags.Int(PortFlag, DefaultPort, "HTTP listen port")
	flags.Int(HTTPSPortFlag, DefaultHTTPSPort, "HTTPS listen port (0 disables TLS)")
	flags.String(LogLevelFlag, "info", "Log level (debug, info, warn, error)")
	flags.String(LogDirFlag, "", "Directory for log files (empty logs to stderr only)")
	flags.String(ScheduleFlag, "", "Cron expression for the renewal sweep (empty keeps the default)")
	flags.String(DebounceFlag, "200ms", "Quiet window for filesystem watcher events")
}

// FromViper resolves Settings from the given viper instance. Callers bind
// the flag set and call viper.AutomaticEnv before this.
func FromViper(v *viper.Viper) Settings {
	s := Settings{
		ConfigDir:  v.GetString(ConfigDirFlag),
		CertsDir:   v.GetString(CertsDirFlag),
		ArchiveDir: v.GetString(ArchiveDirFlag),
		Port:       v.GetInt(PortFlag),
		HTTPSPort:  v.GetInt(HTTPSPortFlag),
		LogLevel:   v.GetString(LogLevelFlag),
		LogDir:     v.GetString(LogDirFlag),
		Schedule:   v.GetString(ScheduleFlag),
		Debounce:   v.GetString(DebounceFlag),
	}
	if s.CertsDir == "" {
		s.CertsDir = filepath.Join(s.ConfigDir, "certs")
	}
	if s.ArchiveDir == "" {
		s.ArchiveDir = filepath.Join(s.ConfigDir, "archive")
	}
	return s
}

// Verbosity maps the textual log level onto the logger's verbosity scale
// (debug=1, info=0, warn=-1, error=-2). Unknown values mean info.
func (s Settings) Verbosity() int {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return 1
	case "warn", "warning":
		return -1
	case "error":
		return -2
	default:
		return 0
	}
}

// MetadataPath is the registry persistence file.
func (s Settings) MetadataPath() string {
	return filepath.Join(s.ConfigDir, "certificates.json")
}

// VaultPath is the encrypted passphrase store.
func (s Settings) VaultPath() string {
	return filepath.Join(s.ConfigDir, "passphrases.enc")
}

// MasterKeyPath holds the vault master key, separate from the vault itself.
func (s Settings) MasterKeyPath() string {
	return filepath.Join(s.ConfigDir, "vault.key")
}

// Validate ensures every configured directory exists (creating it when
// missing) and is writable. A failure here is fatal at startup.
func (s Settings) Validate() error {
	for _, dir := range []string{s.ConfigDir, s.CertsDir, s.ArchiveDir} {
		if err := ensureWritableDir(dir); err != nil {
			return err
		}
	}
	if s.LogDir != "" {
		if err := ensureWritableDir(s.LogDir); err != nil {
			return err
		}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.Errorf("invalid port %d", s.Port)
	}
	if s.HTTPSPort < 0 || s.HTTPSPort > 65535 {
		return errors.Errorf("invalid https port %d", s.HTTPSPort)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create directory %s", dir)
	}
	probe := filepath.Join(dir, ".writable")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return errors.Wrapf(err, "directory %s is not writable", dir)
	}
	return os.Remove(probe)
}
