// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the full HTTP surface of the sync service.
func SetupRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/healthz", h.HealthCheck)

	v1 := router.Group("/v1")
	{
		sync := v1.Group("/sync")
		{
			sync.GET("/ws", h.orch.Connections().Handler())
			sync.GET("/status/:project", h.SyncStatus)
			sync.POST("/changes", h.NotifyChange)
		}

		conflicts := v1.Group("/conflicts")
		{
			conflicts.GET("", h.ListConflicts)
			conflicts.GET("/:id", h.GetConflict)
			conflicts.GET("/:id/recommendation", h.RecommendStrategy)
			conflicts.POST("/:id/resolve", h.ResolveConflict)
		}

		sessions := v1.Group("/resolution/sessions")
		{
			sessions.POST("", h.StartSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id", h.GetSession)
			sessions.PUT("/:id/state", h.UpdateSession)
			sessions.POST("/:id/complete", h.CompleteSession)
			sessions.POST("/:id/cancel", h.CancelSession)
		}
	}
}
