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
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/tool"
	"github.com/kadirpekel/hephaestus/pkg/utils"
)

// giveValidationReviewTool implements give_validation_review.
type giveValidationReviewTool struct{ deps Deps }

func (t *giveValidationReviewTool) Name() string { return "give_validation_review" }
func (t *giveValidationReviewTool) Description() string {
	return "A validator agent's verdict on a task under review."
}
func (t *giveValidationReviewTool) IsLongRunning() bool    { return false }
func (t *giveValidationReviewTool) RequiresApproval() bool { return false }
func (t *giveValidationReviewTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id":  map[string]any{"type": "string"},
			"pass":     map[string]any{"type": "boolean"},
			"feedback": map[string]any{"type": "string"},
			"evidence": map[string]any{"type": "string"},
		},
		"required": []string{"task_id", "pass"},
	}
}

func (t *giveValidationReviewTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	if taskID == "" {
		return nil, errs.New(errs.ValidationFailed, "task_id is required")
	}
	task, err := t.deps.Validation.GiveValidationReview(ctx, ctx.AgentID(), taskID, argBool(args, "pass"), argString(args, "feedback"), argString(args, "evidence"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.ID, "status": string(task.Status)}, nil
}

// submitTaskResultTool implements the task-level form of
// submit_result: submit_result(task_id, markdown_path, result_type, summary).
type submitTaskResultTool struct{ deps Deps }

func (t *submitTaskResultTool) Name() string { return "submit_task_result" }
func (t *submitTaskResultTool) Description() string {
	return "Record an immutable task-level deliverable (implementation, analysis, fix, design, test, or documentation)."
}
func (t *submitTaskResultTool) IsLongRunning() bool    { return false }
func (t *submitTaskResultTool) RequiresApproval() bool { return false }
func (t *submitTaskResultTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id":          map[string]any{"type": "string"},
			"markdown_path":    map[string]any{"type": "string"},
			"markdown_content": map[string]any{"type": "string"},
			"result_type":      map[string]any{"type": "string", "enum": []string{"implementation", "analysis", "fix", "design", "test", "documentation"}},
			"summary":          map[string]any{"type": "string"},
		},
		"required": []string{"task_id", "markdown_path", "markdown_content", "result_type"},
	}
}

func (t *submitTaskResultTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	path := argString(args, "markdown_path")
	content := argString(args, "markdown_content")
	if err := utils.ValidateResultPath(path, content); err != nil {
		return nil, errs.Wrap(errs.ValidationFailed, "invalid result file", err)
	}
	taskID := argString(args, "task_id")
	if taskID == "" {
		taskID = ctx.TaskID()
	}
	resultType := store.ResultType(argString(args, "result_type"))
	r, err := t.deps.Validation.SubmitTaskResult(ctx, ctx.AgentID(), taskID, path, content, resultType, argString(args, "summary"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result_id": r.ID, "verification_status": string(r.VerificationStatus)}, nil
}

// submitWorkflowResultTool implements the workflow-level form of
// submit_result: submit_result(markdown_path, explanation, evidence).
type submitWorkflowResultTool struct{ deps Deps }

func (t *submitWorkflowResultTool) Name() string { return "submit_workflow_result" }
func (t *submitWorkflowResultTool) Description() string {
	return "Submit a candidate final deliverable for the whole workflow."
}
func (t *submitWorkflowResultTool) IsLongRunning() bool    { return false }
func (t *submitWorkflowResultTool) RequiresApproval() bool { return false }
func (t *submitWorkflowResultTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"markdown_path": map[string]any{"type": "string"},
			"explanation":   map[string]any{"type": "string"},
			"evidence":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"markdown_path", "explanation"},
	}
}

func (t *submitWorkflowResultTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	path := argString(args, "markdown_path")
	content := argString(args, "explanation")
	if evidence := argStringSlice(args, "evidence"); len(evidence) > 0 {
		content = content + "\n\nEvidence:\n- " + strings.Join(evidence, "\n- ")
	}
	if err := utils.ValidateResultPath(path, content); err != nil {
		return nil, errs.Wrap(errs.ValidationFailed, "invalid result file", err)
	}
	r, err := t.deps.Validation.SubmitWorkflowResult(ctx, t.deps.Workflow, ctx.AgentID(), path, content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result_id": r.ID, "status": string(r.Status)}, nil
}

// submitResultValidationTool implements
// submit_result_validation.
type submitResultValidationTool struct{ deps Deps }

func (t *submitResultValidationTool) Name() string { return "submit_result_validation" }
func (t *submitResultValidationTool) Description() string {
	return "A result-validator agent's verdict on a submitted workflow result."
}
func (t *submitResultValidationTool) IsLongRunning() bool    { return false }
func (t *submitResultValidationTool) RequiresApproval() bool { return false }
func (t *submitResultValidationTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result_id": map[string]any{"type": "string"},
			"pass":      map[string]any{"type": "boolean"},
			"feedback":  map[string]any{"type": "string"},
			"evidence":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"result_id", "pass"},
	}
}

func (t *submitResultValidationTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	resultID := argString(args, "result_id")
	if resultID == "" {
		return nil, errs.New(errs.ValidationFailed, "result_id is required")
	}
	r, err := t.deps.Validation.SubmitResultValidation(ctx, ctx.AgentID(), resultID, argBool(args, "pass"), argString(args, "feedback"), argStringSlice(args, "evidence"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result_id": r.ID, "status": string(r.Status)}, nil
}
