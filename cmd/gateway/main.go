// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway runs the Aleutian chat gateway.
//
// # Usage
//
//	gateway serve --config /etc/aleutian/gateway.yaml
//	gateway keys reindex --config /etc/aleutian/gateway.yaml
//
// # Environment Variables
//
//   - GATEWAY_CONFIG: config file when --config is not given
//   - OPENAI_API_KEY: provider key (falls back to /run/secrets/openai_api_key)
//   - OPENAI_MODEL, OPENAI_ASSISTANT_ID, OPENAI_BASE_URL
//   - REDIS_ADDR, REDIS_PASSWORD
//   - SESSION_SECRET: conversation cookie signing key, at least 32 bytes
//   - CATALOG_URL: product catalog served to the assistant's tool calls
//   - PORT: HTTP port (default: 12210)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC collector; tracing is off when unset
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Streaming chat gateway for the Aleutian assistant widgets and public API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the gateway YAML config (default $GATEWAY_CONFIG)")

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Maintain the API key index",
	}
	keysCmd.AddCommand(newReindexCmd())

	root.AddCommand(newServeCmd(), keysCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
