// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package healthcheck implements the liveness probe run as a separate
// process (container HEALTHCHECK). It exits 0 when the daemon answers and 2
// otherwise.
package healthcheck

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/certkeeper/certkeeper/pkg/utils/retry"
)

const (
	probeExitCode = 2

	// retryInterval separates probe attempts while the daemon is still
	// coming up.
	retryInterval = 500 * time.Millisecond
)

// Command returns the healthcheck subcommand.
func Command() *cobra.Command {
	var (
		port    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running daemon's health endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			if err := probe(port, timeout); err != nil {
				fmt.Fprintln(os.Stderr, "health probe failed:", err.Error())
				os.Exit(probeExitCode)
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port the daemon listens on")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	return cmd
}

// probe retries the health endpoint until it answers 200 or the timeout
// elapses, so a daemon still starting up is not reported unhealthy.
func probe(port int, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/public/health", port)
	return retry.UntilSuccess(func() error {
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}, timeout, retryInterval)
}
