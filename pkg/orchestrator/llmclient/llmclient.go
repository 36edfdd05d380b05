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

// Package llmclient wraps pkg/model's
// multi-provider LLM abstraction with the one operation every analyser
// needs — complete(prompt_template, variables, response_schema) ->
// parsed_json — enforcing the declared JSON schema on the response, with
// one retry on schema violation before surfacing a typed failure, and
// routing each call to the provider configured for its named component
// (guardian_analysis, conductor_analysis, task_enrichment, agent_prompts).
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/model"
	"github.com/kadirpekel/hephaestus/pkg/model/anthropic"
	"github.com/kadirpekel/hephaestus/pkg/model/gemini"
	"github.com/kadirpekel/hephaestus/pkg/model/ollama"
	"github.com/kadirpekel/hephaestus/pkg/model/openai"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// Component names used for per-component provider routing.
const (
	ComponentGuardianAnalysis  = "guardian_analysis"
	ComponentConductorAnalysis = "conductor_analysis"
	ComponentTaskEnrichment    = "task_enrichment"
	ComponentAgentPrompts      = "agent_prompts"
)

// Client routes complete() calls to the provider configured for each
// component name. Built from config.MultiProviderConfig at startup; a
// missing or invalid route is a fatal startup error.
type Client struct {
	routes map[string]model.LLM
}

// New builds a Client from a fully-resolved multi-provider routing config.
// Every component name referenced anywhere in the orchestrator must have an
// entry; New fails loudly (rather than silently degrading) if one of the
// configured providers cannot be constructed.
func New(routing *config.MultiProviderConfig, components ...string) (*Client, error) {
	if routing == nil {
		return nil, errs.New(errs.ExternalUnavailable, "multi-provider LLM config is empty")
	}
	resolved, err := routing.Resolved(components...)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "resolve LLM routes", err)
	}
	routes := make(map[string]model.LLM, len(resolved))
	for component, llmCfg := range resolved {
		llm, err := buildProvider(llmCfg)
		if err != nil {
			return nil, errs.Wrap(errs.ExternalUnavailable, fmt.Sprintf("build LLM provider for component %q", component), err)
		}
		routes[component] = llm
	}
	return &Client{routes: routes}, nil
}

func buildProvider(cfg *config.LLMProviderConfig) (model.LLM, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil LLM config")
	}
	temperature := cfg.Temperature
	switch cfg.Type {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: &temperature,
			BaseURL:     cfg.Host,
		})
	case "openai":
		return openai.New(openai.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: &temperature,
			BaseURL:     cfg.Host,
		})
	case "gemini":
		return gemini.New(gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: temperature,
		})
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL:     cfg.Host,
			Model:       cfg.Model,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Type)
	}
}

// Close releases every routed provider's resources.
func (c *Client) Close() error {
	var first error
	for _, llm := range c.routes {
		if err := llm.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Complete renders a prompt from systemInstruction+userPrompt, calls the
// provider routed for component, and unmarshals the response into out
// (a pointer to the response_schema's Go type). On a schema violation it
// retries once before surfacing a typed ValidationFailed error.
func (c *Client) Complete(ctx context.Context, component, systemInstruction, userPrompt string, out any) error {
	llm, ok := c.routes[component]
	if !ok {
		return errs.New(errs.ExternalUnavailable, "no LLM route configured for component "+component)
	}

	schema := jsonschema.Reflect(out)
	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "build response schema", err)
	}

	req := &model.Request{
		Messages:          []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: userPrompt})},
		SystemInstruction: systemInstruction,
		Config: &model.GenerateConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   schemaMap,
		},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, err := generateText(ctx, llm, req)
		if err != nil {
			return errs.Wrap(errs.ExternalUnavailable, "LLM call failed for component "+component, err)
		}
		if err := json.Unmarshal([]byte(extractJSON(text)), out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errs.Wrap(errs.ValidationFailed, "LLM response did not match schema for component "+component, lastErr)
}

func generateText(ctx context.Context, llm model.LLM, req *model.Request) (string, error) {
	var text string
	var callErr error
	for resp, err := range llm.GenerateContent(ctx, req, false) {
		if err != nil {
			callErr = err
			break
		}
		if resp != nil && !resp.Partial {
			text = resp.TextContent()
		}
	}
	if callErr != nil {
		return "", callErr
	}
	return text, nil
}

// extractJSON strips Markdown code fences some providers wrap JSON in.
func extractJSON(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}

func schemaToMap(s *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
