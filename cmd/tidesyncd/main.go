// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tidesyncd",
	Short: "Sync server for tidelite clients",
	Long: `tidesyncd serves the record sync API: bulk push with last-write-wins
resolution, a paged change feed, single-record deletes, token refresh,
and an optional realtime WebSocket channel that nudges connected devices.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
