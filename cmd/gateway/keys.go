// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/gateway/config"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the API key index from user metadata",
		Long: `Scans every user in the identity store and writes an index entry for
each API key found, so key resolution no longer needs to scan.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logs, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logs.Close()

			client := newRedisClient(cfg.Redis)
			defer client.Close()

			n, err := reindexKeys(ctx, cfg, client, logs.Slog())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d api keys\n", n)
			return nil
		},
	}
}

func reindexKeys(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) (int, error) {
	provider := newIdentity(client, cfg.Redis)
	return newAuthenticator(cfg, provider, logger).Reindex(ctx)
}
