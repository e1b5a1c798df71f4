// SPDX-FileCopyrightText: Copyright (c) 2026 The CodeHub Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package agent is the HTTP client for the workspace runtime agent: the
// remote capability that owns containers, home volumes and the archive
// object store. Every state-changing call carries an op_id and the agent is
// idempotent on (workspace_id, op_id), so retries are always safe.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.codehub.dev/codehub/utils"
)

// AgentConfig holds the agent endpoint configuration.
type AgentConfig struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
}

// Client invokes the runtime agent over HTTP with an API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an agent client. The HTTP client timeout is a transport
// safety net; individual calls should pass a context with the per-operation
// deadline.
func NewClient(config AgentConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		http:    &http.Client{Timeout: config.HTTPTimeout},
		logger:  logger,
	}
}

// ObserveAll fetches the bulk infrastructure snapshot for the cluster prefix:
// all containers, all volumes, all archive keys, in one round trip.
func (c *Client) ObserveAll(ctx context.Context, prefix string) (*Observations, error) {
	var out Observations
	path := "/v1/observe?prefix=" + url.QueryEscape(prefix)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartContainer starts the workspace container from imageRef.
func (c *Client) StartContainer(ctx context.Context, workspaceID, opID, imageRef string) (*OpResult, error) {
	var out OpResult
	body := map[string]string{"op_id": opID, "image_ref": imageRef}
	path := fmt.Sprintf("/v1/workspaces/%s/container/start", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopContainer stops the workspace container, preserving the home volume.
func (c *Client) StopContainer(ctx context.Context, workspaceID, opID string) (*OpResult, error) {
	var out OpResult
	body := map[string]string{"op_id": opID}
	path := fmt.Sprintf("/v1/workspaces/%s/container/stop", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteContainer removes the workspace container.
func (c *Client) DeleteContainer(ctx context.Context, workspaceID, opID string) (*OpResult, error) {
	var out OpResult
	body := map[string]string{"op_id": opID}
	path := fmt.Sprintf("/v1/workspaces/%s/container/delete", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVolume creates the persistent home volume.
func (c *Client) CreateVolume(ctx context.Context, workspaceID, opID string) (*OpResult, error) {
	var out OpResult
	body := map[string]string{"op_id": opID}
	path := fmt.Sprintf("/v1/workspaces/%s/volume/create", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteVolume removes the persistent home volume.
func (c *Client) DeleteVolume(ctx context.Context, workspaceID, opID string) (*OpResult, error) {
	var out OpResult
	body := map[string]string{"op_id": opID}
	path := fmt.Sprintf("/v1/workspaces/%s/volume/delete", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunArchive archives the home volume to the object store and returns the
// resulting archive key.
func (c *Client) RunArchive(ctx context.Context, workspaceID, opID string) (*ArchiveResult, error) {
	var out ArchiveResult
	body := map[string]string{"op_id": opID}
	path := fmt.Sprintf("/v1/workspaces/%s/archive", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunRestore restores the home volume from archiveKey.
func (c *Client) RunRestore(ctx context.Context, workspaceID, opID, archiveKey string) (*RestoreResult, error) {
	var out RestoreResult
	body := map[string]string{"op_id": opID, "archive_key": archiveKey}
	path := fmt.Sprintf("/v1/workspaces/%s/restore", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunGC deletes every archive under the cluster prefix that is not named in
// protected.
func (c *Client) RunGC(ctx context.Context, protected []ProtectedArchive) (*GCResult, error) {
	var out GCResult
	body := map[string]any{"protected": protected}
	if err := c.do(ctx, http.MethodPost, "/v1/gc", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one request/response exchange. Non-2xx responses are decoded
// into an *APIError so callers can classify the failure.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var wrapper struct {
			Error *APIError `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&wrapper); decodeErr == nil && wrapper.Error != nil {
			apiErr.Code = wrapper.Error.Code
			apiErr.Message = wrapper.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	return nil
}

// AgentFlagPointers holds pointers to flag values for agent configuration
type AgentFlagPointers struct {
	baseURL     *string
	apiKey      *string
	httpTimeout *int
}

// RegisterAgentFlags registers agent-related command-line flags
// Returns an AgentFlagPointers that should be converted to AgentConfig
// after flag.Parse() is called
func RegisterAgentFlags() *AgentFlagPointers {
	return &AgentFlagPointers{
		baseURL: flag.String("agent-url",
			utils.GetEnv("CODEHUB_AGENT_URL", "http://localhost:8900"),
			"Runtime agent base URL"),
		apiKey: flag.String("agent-api-key",
			utils.GetEnvOrConfig("CODEHUB_AGENT_API_KEY", "agent_api_key", ""),
			"Runtime agent API key"),
		httpTimeout: flag.Int("agent-http-timeout-sec",
			utils.GetEnvInt("CODEHUB_AGENT_HTTP_TIMEOUT_SEC", 1860),
			"Transport-level timeout for agent HTTP calls in seconds"),
	}
}

// ToAgentConfig converts flag pointers to AgentConfig
// This should be called after flag.Parse()
func (a *AgentFlagPointers) ToAgentConfig() AgentConfig {
	return AgentConfig{
		BaseURL:     *a.baseURL,
		APIKey:      *a.apiKey,
		HTTPTimeout: time.Duration(*a.httpTimeout) * time.Second,
	}
}
