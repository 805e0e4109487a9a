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
	"errors"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/auth"
	"github.com/AleutianAI/AleutianChat/services/gateway/catalog"
	"github.com/AleutianAI/AleutianChat/services/gateway/config"
	"github.com/AleutianAI/AleutianChat/services/gateway/conversation"
	"github.com/AleutianAI/AleutianChat/services/gateway/documents"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/handlers"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
	"github.com/AleutianAI/AleutianChat/services/gateway/instructions"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/routes"
	"github.com/AleutianAI/AleutianChat/services/gateway/tenants"
	"github.com/AleutianAI/AleutianChat/services/gateway/usage"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// app holds the wired gateway and the resources it must release.
type app struct {
	router       *gin.Engine
	redis        *redis.Client
	usageLog     *usage.SQLiteLog
	instructions *instructions.Store
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func newIdentity(client *redis.Client, cfg config.RedisConfig) *identity.RedisProvider {
	return identity.NewRedisProvider(client, identity.WithKeyPrefix(cfg.KeyPrefix))
}

func newAuthenticator(cfg *config.Config, provider *identity.RedisProvider, logger *slog.Logger) *auth.Authenticator {
	return auth.NewAuthenticator(provider, provider, auth.Config{
		PageSize: cfg.Auth.ScanPageSize,
		MaxPages: cfg.Auth.ScanMaxPages,
		UseIndex: cfg.Auth.KeyIndex,
	}, logger)
}

// newApp wires every gateway component from cfg.
func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	apiKey, err := llm.ResolveAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.SecretPath)
	if err != nil {
		return nil, err
	}
	upstream, err := llm.NewClient(llm.Config{
		APIKey:              apiKey,
		BaseURL:             cfg.OpenAI.BaseURL,
		Model:               cfg.OpenAI.Model,
		AssistantID:         cfg.OpenAI.AssistantID,
		MaxRetrievalResults: cfg.Retrieval.MaxResults,
		StrictEvents:        cfg.OpenAI.StrictEvents,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	a.redis = newRedisClient(cfg.Redis)
	provider := newIdentity(a.redis, cfg.Redis)

	var usageLog usage.Log = usage.NopLog{}
	if cfg.Usage.SQLitePath != "" {
		a.usageLog, err = usage.OpenSQLite(cfg.Usage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		usageLog = a.usageLog
	}
	var counter *usage.Counter
	if cfg.Usage.EstimateTokens {
		if counter, err = usage.DefaultCounter(); err != nil {
			logger.Warn("token estimation disabled", "error", err)
			counter, err = nil, nil
		}
	}

	gate := entitlement.NewGate(cfg.Limits.RequiredPlan, entitlement.Limits{
		DefaultFileQuota:    cfg.Limits.DefaultFileQuota,
		DefaultStorageBytes: cfg.Limits.DefaultStorageBytes,
	}, logger)

	a.instructions, err = instructions.NewStore(provider, gate, instructions.CacheConfig{
		MaxEntries: cfg.Instructions.CacheEntries,
		TTL:        cfg.Instructions.CacheTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	bridge := documents.NewBridge(
		documents.NewOpenAICollections(upstream.API(), logger),
		gate,
		provider,
		documents.Config{SniffBytes: cfg.Limits.SniffBytes, MaxUploadBytes: cfg.Limits.MaxUploadBytes},
		logger)

	var tools relay.ToolOutputFunc
	if cfg.Catalog.URL != "" {
		fetcher := catalog.NewFetcher(cfg.Catalog.URL,
			catalog.WithTimeout(cfg.Catalog.Timeout),
			catalog.WithMaxBytes(cfg.Catalog.MaxBytes),
			catalog.WithLogger(logger))
		tools = fetcher.ToolOutput
	} else {
		logger.Warn("CATALOG_URL not set, assistant tool calls will fail")
	}

	codec := conversation.NewCodec([]byte(cfg.Session.Secret),
		conversation.WithTTL(cfg.Session.TTL),
		conversation.WithMaxBytes(cfg.Session.MaxBytes),
		conversation.WithSecureCookies(cfg.Server.SecureCookies))
	stores := handlers.CookieStores(codec)

	opts := extensions.DefaultOptions().
		WithAuth(middleware.NewSessionProvider(provider)).
		WithAudit(extensions.NewSlogAuditLogger(logger)).
		Normalize()

	h := routes.Handlers{
		InternalChat: handlers.NewInternalChatHandler(handlers.InternalChatConfig{
			Upstream:     upstream,
			Tenants:      tenants.NewRegistry(cfg.Tenants),
			Gate:         gate,
			Instructions: a.instructions,
			Sessions:     stores,
			Usage:        usageLog,
			Counter:      counter,
			Logger:       logger,
		}),
		PublicChat: handlers.NewPublicChatHandler(handlers.PublicChatConfig{
			Upstream:      upstream,
			Tools:         tools,
			Instructions:  a.instructions,
			MaxToolRounds: cfg.Limits.MaxToolRounds,
			Usage:         usageLog,
			Counter:       counter,
			Logger:        logger,
		}),
		Documents:    handlers.NewDocumentsHandler(bridge, opts.AuditLogger, logger),
		Instructions: handlers.NewInstructionsHandler(a.instructions, opts.AuditLogger, logger),
		Sessions:     handlers.NewSessionsHandler(stores, logger),
		Health:       handlers.NewHealthHandler(a.healthChecks(), 0),
	}

	sessionCfg := middleware.SessionConfig{
		Provider:   opts.AuthProvider,
		Directory:  provider,
		CookieName: cfg.Session.Cookie,
		Logger:     logger,
	}
	if cfg.Session.LivePlanChecks {
		sessionCfg.Billing = provider
	}
	requiredCfg := sessionCfg
	requiredCfg.Required = true

	mw := routes.Middleware{
		OptionalSession: middleware.SessionAuth(sessionCfg),
		RequiredSession: middleware.SessionAuth(requiredCfg),
		APIKey:          middleware.APIKeyAuth(newAuthenticator(cfg, provider, logger), opts.AuditLogger, logger),
		RequestTimeout:  cfg.Server.RequestTimeout,
	}
	if cfg.RateLimit.RPS > 0 {
		mw.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	a.router = gin.New()
	a.router.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(a.router, h, mw)
	return a, nil
}

func (a *app) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"redis": func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
	}
	if a.usageLog != nil {
		checks["usage"] = a.usageLog.Ping
	}
	return checks
}

// Close releases the app's connections.
func (a *app) Close() error {
	var errs []error
	if a.instructions != nil {
		a.instructions.Close()
	}
	if a.usageLog != nil {
		errs = append(errs, a.usageLog.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
