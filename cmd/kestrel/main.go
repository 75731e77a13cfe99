// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Real-time feature aggregation and recommendation serving",
	Long: `Kestrel folds user interaction events into feature state and serves
ranked recommendations from it, with a popularity fallback that keeps
answers flowing when the similarity path is cold or unhealthy.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
