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

package rpc

import (
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/tool"
)

// memoryCollection names the vector-store collection memories are upserted
// into and recalled from: one per workflow, so memories from one run never
// leak into another.
func memoryCollection(workflowID string) string { return "memories:" + workflowID }

// saveMemoryTool implements save_memory.
type saveMemoryTool struct{ deps Deps }

func (t *saveMemoryTool) Name() string { return "save_memory" }
func (t *saveMemoryTool) Description() string {
	return "Persist a note to the shared vector-backed memory store for later recall."
}
func (t *saveMemoryTool) IsLongRunning() bool    { return false }
func (t *saveMemoryTool) RequiresApproval() bool { return false }
func (t *saveMemoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string"},
			"type":    map[string]any{"type": "string"},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"content"},
	}
}

func (t *saveMemoryTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	content := argString(args, "content")
	if content == "" {
		return nil, errs.New(errs.ValidationFailed, "content is required")
	}
	m := &store.Memory{
		WorkflowID: t.deps.Workflow.ID,
		AgentID:    ctx.AgentID(),
		Content:    content,
		MemoryType: argString(args, "type"),
		Tags:       argStringSlice(args, "tags"),
	}
	if err := t.deps.Store.CreateMemory(ctx, m); err != nil {
		return nil, err
	}

	var vec []float32
	embedder := memoryEmbedder(t.deps)
	if embedder != nil {
		if v, err := embedder.Embed(ctx, content); err == nil {
			vec = v
		}
	}
	if t.deps.Vector != nil {
		_ = t.deps.Vector.Upsert(ctx, memoryCollection(t.deps.Workflow.ID), m.ID, vec, map[string]any{
			"content": content, "type": m.MemoryType, "tags": m.Tags, "agent_id": ctx.AgentID(),
		})
	}
	return map[string]any{"memory_id": m.ID}, nil
}

// qdrantFindTool implements qdrant_find: approximate-nearest-
// neighbour recall from the memory store, named after the primary vector
// backend.
type qdrantFindTool struct{ deps Deps }

func (t *qdrantFindTool) Name() string { return "qdrant_find" }
func (t *qdrantFindTool) Description() string {
	return "Recall previously saved memories by semantic similarity to a query."
}
func (t *qdrantFindTool) IsLongRunning() bool    { return false }
func (t *qdrantFindTool) RequiresApproval() bool { return false }
func (t *qdrantFindTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []string{"query"},
	}
}

func (t *qdrantFindTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, errs.New(errs.ValidationFailed, "query is required")
	}
	limit := argInt(args, "limit")
	if limit <= 0 {
		limit = 10
	}
	embedder := memoryEmbedder(t.deps)
	if embedder == nil || !embedder.Available() || t.deps.Vector == nil {
		// An unavailable embedding provider degrades to "no
		// results" rather than an error.
		return map[string]any{"results": []map[string]any{}}, nil
	}
	qvec, err := embedder.Embed(ctx, query)
	if err != nil {
		return map[string]any{"results": []map[string]any{}}, nil
	}
	hits, err := t.deps.Vector.Search(ctx, memoryCollection(t.deps.Workflow.ID), qvec, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{"id": h.ID, "content": h.Content, "score": h.Score, "metadata": h.Metadata})
	}
	return map[string]any{"results": out}, nil
}
