// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the gateway handlers onto a gin engine.
package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/services/gateway/handlers"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
)

// Handlers are the request handlers served by the gateway.
type Handlers struct {
	InternalChat *handlers.InternalChatHandler
	PublicChat   *handlers.PublicChatHandler
	Documents    *handlers.DocumentsHandler
	Instructions *handlers.InstructionsHandler
	Sessions     *handlers.SessionsHandler
	Health       *handlers.HealthHandler
}

// Middleware are the authentication and throttling stages applied per route
// group.
type Middleware struct {
	// OptionalSession identifies dashboard users on routes that also serve
	// anonymous visitors.
	OptionalSession gin.HandlerFunc
	// RequiredSession rejects anonymous requests.
	RequiredSession gin.HandlerFunc
	// APIKey authenticates public chat callers.
	APIKey gin.HandlerFunc
	// RateLimiter throttles public chat per caller. May be nil.
	RateLimiter *middleware.RateLimiter
	// RequestTimeout bounds every /v1 request. Zero disables it.
	RequestTimeout time.Duration
}

// SetupRoutes registers every gateway route on router.
//
// # Routes
//
//	GET     /health
//	GET     /metrics
//	POST    /v1/chat/internal/:namespace   optional session
//	OPTIONS /v1/chat                       CORS preflight
//	POST    /v1/chat                       API key, rate limited
//	GET     /v1/sessions/:namespace
//	DELETE  /v1/sessions/:namespace
//	POST    /v1/sessions/:namespace/turns
//	GET     /v1/documents                  session required
//	POST    /v1/documents                  session required
//	DELETE  /v1/documents                  session required
//	GET     /v1/instructions               session required
//	PUT     /v1/instructions               session required
func SetupRoutes(router *gin.Engine, h Handlers, mw Middleware) {
	if h.InternalChat == nil || h.PublicChat == nil || h.Sessions == nil || h.Health == nil {
		panic("routes.SetupRoutes: chat, session and health handlers are required")
	}
	if mw.OptionalSession == nil || mw.RequiredSession == nil || mw.APIKey == nil {
		panic("routes.SetupRoutes: session and api key middleware are required")
	}

	router.Use(middleware.RequestID())

	router.GET("/health", h.Health.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Timeout(mw.RequestTimeout))
	{
		v1.POST("/chat/internal/:namespace", mw.OptionalSession, h.InternalChat.HandleChat)

		public := v1.Group("/chat", middleware.CORS(http.MethodPost))
		public.OPTIONS("", func(c *gin.Context) {})
		publicChain := []gin.HandlerFunc{mw.APIKey}
		if mw.RateLimiter != nil {
			publicChain = append(publicChain, mw.RateLimiter.Middleware())
		}
		public.POST("", append(publicChain, h.PublicChat.HandleChat)...)

		sessions := v1.Group("/sessions/:namespace")
		{
			sessions.GET("", h.Sessions.HandleLoad)
			sessions.DELETE("", h.Sessions.HandleClear)
			sessions.POST("/turns", h.Sessions.HandleAppend)
		}

		if h.Documents != nil {
			docs := v1.Group("/documents", mw.RequiredSession)
			docs.GET("", h.Documents.HandleList)
			docs.POST("", h.Documents.HandleUpload)
			docs.DELETE("", h.Documents.HandleDelete)
		}

		if h.Instructions != nil {
			instr := v1.Group("/instructions", mw.RequiredSession)
			instr.GET("", h.Instructions.HandleGet)
			instr.PUT("", h.Instructions.HandleSave)
		}
	}
}
