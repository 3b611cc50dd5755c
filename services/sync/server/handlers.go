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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/resolution"
)

// Handlers exposes the sync orchestrator over HTTP.
//
// Each method returns a gin.HandlerFunc closed over the orchestrator so
// routes.go can register them without threading dependencies through gin
// context keys.
type Handlers struct {
	orch *engine.Orchestrator
	log  *slog.Logger
}

// NewHandlers builds the handler set for the given orchestrator.
func NewHandlers(orch *engine.Orchestrator, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{orch: orch, log: log}
}

// HealthCheck reports liveness plus a coarse snapshot of the sync engine.
func (h *Handlers) HealthCheck(c *gin.Context) {
	stats := h.orch.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_clients": stats.ConnectedClients,
		"active_conflicts":  stats.ActiveConflicts,
		"active_sessions":   stats.ActiveSessions,
	})
}

// SyncStatus returns the health classification for one project.
func (h *Handlers) SyncStatus(c *gin.Context) {
	project := c.Param("project")
	if project == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	c.JSON(http.StatusOK, h.orch.SyncStatus(project))
}

// NotifyChangeRequest is the payload for the entity notification boundary.
// Entity state travels as generic maps; Before is only consulted for updates
// and deletes.
type NotifyChangeRequest struct {
	ChangeType  datatypes.ChangeType `json:"change_type" binding:"required"`
	EntityType  string               `json:"entity_type" binding:"required"`
	EntityID    string               `json:"entity_id"`
	ProjectID   string               `json:"project_id" binding:"required"`
	Entity      map[string]any       `json:"entity,omitempty"`
	Before      map[string]any       `json:"before,omitempty"`
	Entities    []map[string]any     `json:"entities,omitempty"`
	ClientID    string               `json:"client_id,omitempty"`
	UserID      string               `json:"user_id,omitempty"`
	FeatureArea string               `json:"feature_area,omitempty"`
}

// NotifyChange ingests an entity mutation from an upstream service and
// broadcasts it to subscribed clients.
func (h *Handlers) NotifyChange(c *gin.Context) {
	var req NotifyChangeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	switch req.ChangeType {
	case datatypes.ChangeTypeCreate:
		h.orch.NotifyEntityCreated(ctx, req.EntityType, req.EntityID, req.ProjectID,
			req.Entity, req.ClientID, req.UserID, req.FeatureArea)
	case datatypes.ChangeTypeUpdate:
		h.orch.NotifyEntityUpdated(ctx, req.EntityType, req.EntityID, req.ProjectID,
			req.Before, req.Entity, req.ClientID, req.UserID, req.FeatureArea)
	case datatypes.ChangeTypeDelete:
		h.orch.NotifyEntityDeleted(ctx, req.EntityType, req.EntityID, req.ProjectID,
			req.Before, req.ClientID, req.UserID, req.FeatureArea)
	case datatypes.ChangeTypeBulk:
		h.orch.NotifyBulkOperation(ctx, req.EntityType, req.ProjectID,
			req.Entities, req.ClientID, req.UserID, req.FeatureArea)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown change_type: " + string(req.ChangeType)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ListConflicts returns active conflicts, or resolved ones when
// state=resolved. An empty project_id returns all projects.
func (h *Handlers) ListConflicts(c *gin.Context) {
	project := c.Query("project_id")
	var infos []*conflict.Info
	if c.Query("state") == "resolved" {
		infos = h.orch.Conflicts().ResolvedConflicts(project)
	} else {
		infos = h.orch.Conflicts().ActiveConflicts(project)
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": infos, "count": len(infos)})
}

// GetConflict returns a single conflict by id.
func (h *Handlers) GetConflict(c *gin.Context) {
	info, err := h.orch.Conflicts().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// RecommendStrategy returns the suggested resolution strategy for a conflict.
func (h *Handlers) RecommendStrategy(c *gin.Context) {
	strategy, err := h.orch.Conflicts().Recommend(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflict_id": c.Param("id"), "recommended_strategy": strategy})
}

// ResolveConflictRequest selects a strategy for direct (sessionless)
// resolution. Manual carries the caller-provided entity when the strategy is
// manual_resolution.
type ResolveConflictRequest struct {
	Strategy   conflict.Strategy                 `json:"strategy" binding:"required"`
	Manual     *conflict.ManualResolutionRequest `json:"manual,omitempty"`
	ResolvedBy string                            `json:"resolved_by,omitempty"`
}

// ResolveConflict applies a resolution strategy outside the guided workflow.
func (h *Handlers) ResolveConflict(c *gin.Context) {
	var req ResolveConflictRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	info, err := h.orch.Conflicts().Resolve(c.Request.Context(), c.Param("id"), req.Strategy, req.Manual, req.ResolvedBy)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, conflict.ErrConflictNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// StartSessionRequest opens a guided resolution session for a conflict.
type StartSessionRequest struct {
	ConflictID     string `json:"conflict_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// StartSession opens a resolution workflow session.
func (h *Handlers) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	session, err := h.orch.Workflow().StartSession(c.Request.Context(), req.ConflictID, req.UserID, timeout)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, conflict.ErrConflictNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListSessions returns all live resolution sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.orch.Workflow().ActiveSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns one resolution session.
func (h *Handlers) GetSession(c *gin.Context) {
	session, err := h.orch.Workflow().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

// UpdateSessionRequest advances a session through the workflow.
type UpdateSessionRequest struct {
	Step       resolution.Step   `json:"step" binding:"required"`
	Selections map[string]any    `json:"selections,omitempty"`
	Strategy   conflict.Strategy `json:"strategy,omitempty"`
}

// UpdateSession applies a UI state transition to a session.
func (h *Handlers) UpdateSession(c *gin.Context) {
	var req UpdateSessionRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := h.orch.Workflow().UpdateUIState(c.Request.Context(), c.Param("id"), req.Step, req.Selections, req.Strategy)
	if err != nil {
		c.JSON(sessionErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

// CompleteSessionRequest finishes a session; Notes end up in the archived
// resolution record.
type CompleteSessionRequest struct {
	Notes string `json:"notes,omitempty"`
}

// CompleteSession executes the selected strategy and closes the session.
func (h *Handlers) CompleteSession(c *gin.Context) {
	var req CompleteSessionRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.orch.Workflow().CompleteResolution(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		c.JSON(sessionErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelSession abandons a session without resolving the conflict.
func (h *Handlers) CancelSession(c *gin.Context) {
	session, err := h.orch.Workflow().CancelResolution(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(sessionErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func sessionErrStatus(err error) int {
	switch {
	case errors.Is(err, resolution.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolution.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, resolution.ErrSessionTerminal), errors.Is(err, resolution.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
