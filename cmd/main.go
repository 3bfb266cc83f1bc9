// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"github.com/spf13/cobra"

	"github.com/certkeeper/certkeeper/cmd/daemon"
	"github.com/certkeeper/certkeeper/cmd/healthcheck"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "certkeeper",
		Short:        "Certificate lifecycle engine",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(daemon.Command())
	rootCmd.AddCommand(healthcheck.Command())

	_ = rootCmd.Execute()
}
