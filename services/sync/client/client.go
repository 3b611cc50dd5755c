// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is a typed HTTP client for the sync service API.
//
// It is consumed by the syncctl operator console and by other services
// that push entity change notifications into the sync engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/connection"
	"github.com/AleutianAI/AleutianSync/services/sync/resolution"
)

const defaultTimeout = 15 * time.Second

// APIError carries the status code and server-reported message for a
// non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync API %d: %s", e.StatusCode, e.Message)
}

// Client talks to one sync service instance. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for the given base URL, e.g. "http://localhost:12300".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports whether the service answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Status fetches the sync health classification for a project.
func (c *Client) Status(ctx context.Context, projectID string) (connection.SyncStatus, error) {
	var out connection.SyncStatus
	err := c.do(ctx, http.MethodGet, "/v1/sync/status/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

// NotifyChange pushes an entity mutation into the sync engine. The body
// mirrors the server's NotifyChangeRequest; callers build it as a map to
// keep this package free of a server import.
func (c *Client) NotifyChange(ctx context.Context, body map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/sync/changes", body, nil)
}

type conflictList struct {
	Conflicts []*conflict.Info `json:"conflicts"`
	Count     int              `json:"count"`
}

// Conflicts lists active conflicts. Empty projectID means all projects.
func (c *Client) Conflicts(ctx context.Context, projectID string) ([]*conflict.Info, error) {
	path := "/v1/conflicts"
	if projectID != "" {
		path += "?project_id=" + url.QueryEscape(projectID)
	}
	var out conflictList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// ResolvedConflicts lists conflicts already resolved for a project.
func (c *Client) ResolvedConflicts(ctx context.Context, projectID string) ([]*conflict.Info, error) {
	path := "/v1/conflicts?state=resolved"
	if projectID != "" {
		path += "&project_id=" + url.QueryEscape(projectID)
	}
	var out conflictList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// Conflict fetches a single conflict by id.
func (c *Client) Conflict(ctx context.Context, conflictID string) (*conflict.Info, error) {
	var out conflict.Info
	if err := c.do(ctx, http.MethodGet, "/v1/conflicts/"+url.PathEscape(conflictID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recommend returns the suggested strategy for a conflict.
func (c *Client) Recommend(ctx context.Context, conflictID string) (conflict.Strategy, error) {
	var out struct {
		RecommendedStrategy conflict.Strategy `json:"recommended_strategy"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/conflicts/"+url.PathEscape(conflictID)+"/recommendation", nil, &out)
	return out.RecommendedStrategy, err
}

// Resolve applies a strategy directly, outside the guided workflow.
func (c *Client) Resolve(ctx context.Context, conflictID string, strategy conflict.Strategy, manual *conflict.ManualResolutionRequest, resolvedBy string) (*conflict.Info, error) {
	body := map[string]any{
		"strategy":    strategy,
		"resolved_by": resolvedBy,
	}
	if manual != nil {
		body["manual"] = manual
	}
	var out conflict.Info
	if err := c.do(ctx, http.MethodPost, "/v1/conflicts/"+url.PathEscape(conflictID)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession opens a guided resolution session.
func (c *Client) StartSession(ctx context.Context, conflictID, userID string) (*resolution.Session, error) {
	body := map[string]any{
		"conflict_id": conflictID,
		"user_id":     userID,
	}
	var out resolution.Session
	if err := c.do(ctx, http.MethodPost, "/v1/resolution/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session fetches a resolution session by id.
func (c *Client) Session(ctx context.Context, sessionID string) (*resolution.Session, error) {
	var out resolution.Session
	if err := c.do(ctx, http.MethodGet, "/v1/resolution/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession advances a session to the given step.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, step resolution.Step, selections map[string]any, strategy conflict.Strategy) (*resolution.Session, error) {
	body := map[string]any{
		"step": step,
	}
	if selections != nil {
		body["selections"] = selections
	}
	if strategy != "" {
		body["strategy"] = strategy
	}
	var out resolution.Session
	if err := c.do(ctx, http.MethodPut, "/v1/resolution/sessions/"+url.PathEscape(sessionID)+"/state", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteSession executes the selected strategy and closes the session.
func (c *Client) CompleteSession(ctx context.Context, sessionID, notes string) (*conflict.ManualResolutionRequest, error) {
	body := map[string]any{"notes": notes}
	var out conflict.ManualResolutionRequest
	if err := c.do(ctx, http.MethodPost, "/v1/resolution/sessions/"+url.PathEscape(sessionID)+"/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession abandons a session without resolving its conflict.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*resolution.Session, error) {
	var out resolution.Session
	if err := c.do(ctx, http.MethodPost, "/v1/resolution/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
