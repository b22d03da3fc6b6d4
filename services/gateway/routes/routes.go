// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/services/gateway/handlers"
	"github.com/AleutianAI/AleutianQuery/services/gateway/middleware"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// SetupRoutes registers every gateway endpoint on the router.
//
// /health and /metrics stay outside the authenticated group so probes and
// scrapers work without credentials. The schema reload route is only
// registered when a schema provider is configured.
func SetupRoutes(router *gin.Engine, runner handlers.TurnRunner, store *history.Store,
	provider schema.Provider, opts extensions.ServiceOptions) {

	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	runStream := handlers.NewRunStreamHandler(runner, store, opts)

	api := router.Group("")
	api.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		api.GET("/info", handlers.Info)

		// Thread lifecycle and run routes
		threads := api.Group("/threads")
		{
			threads.POST("", handlers.CreateThread(store))
			threads.GET("", handlers.ListThreads(store))
			threads.GET("/:threadId", handlers.GetThread(store))
			threads.DELETE("/:threadId", handlers.DeleteThread(store))
			threads.POST("/:threadId/history", handlers.ThreadHistory(store))
			threads.POST("/:threadId/runs/stream", runStream.HandleRunStream)
			threads.GET("/:threadId/ws", runStream.HandleThreadWS)
		}

		if provider != nil {
			api.POST("/schema/reload", handlers.HandleSchemaReload(provider, opts))
		}
	}
}
