// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package embedclient is the embedding client: a thin, retrying wrapper
// around pkg/embedders that degrades gracefully — dedup and semantic
// search are skipped, not fatal, when no embedding provider is configured
// or the provider is unreachable.
package embedclient

import (
	"context"
	"time"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/embedders"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// Client wraps one embedders.EmbedderProvider. A nil provider (no embedder
// configured) is a valid, unavailable Client: Embed returns
// errs.ExternalUnavailable rather than panicking, so callers can treat
// "no embedder configured" and "embedder temporarily down" the same way.
type Client struct {
	provider   embedders.EmbedderProvider
	maxRetries int
}

// New builds a Client from an embedder config. A nil cfg yields an
// unavailable Client rather than an error, matching the "dedup is skipped
// if the embedding provider is unavailable" behavior.
func New(cfg *config.EmbedderProviderConfig) (*Client, error) {
	if cfg == nil {
		return &Client{}, nil
	}
	registry := embedders.NewEmbedderRegistry()
	provider, err := registry.CreateEmbedderFromConfig("default", cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "create embedder", err)
	}
	return &Client{provider: provider, maxRetries: 3}, nil
}

// Available reports whether an embedding provider is configured.
func (c *Client) Available() bool {
	return c != nil && c.provider != nil
}

// Embed returns text's embedding, making up to 3 attempts in all with
// exponential backoff between them (250ms, then 500ms).
// Returns errs.ExternalUnavailable if no provider is configured, so
// callers can treat it as "dedup skipped" rather than a hard failure.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Available() {
		return nil, errs.New(errs.ExternalUnavailable, "no embedding provider configured")
	}

	var lastErr error
	delay := 250 * time.Millisecond
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		vec, err := c.provider.Embed(text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.ExternalUnavailable, "embed text after retries", lastErr)
}

// Dimension returns the configured embedder's vector dimension, or 0 if
// unavailable.
func (c *Client) Dimension() int {
	if !c.Available() {
		return 0
	}
	return c.provider.GetDimension()
}

// Close releases the underlying provider's resources, if any.
func (c *Client) Close() error {
	if !c.Available() {
		return nil
	}
	return c.provider.Close()
}
