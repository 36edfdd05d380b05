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

package conductor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

func TestValidatorTypesExcludedFromDuplicates(t *testing.T) {
	assert.True(t, isValidatorType(store.AgentTypeValidator))
	assert.True(t, isValidatorType(store.AgentTypeResultValidator))
	assert.False(t, isValidatorType(store.AgentTypePhase))
	assert.False(t, isValidatorType(store.AgentTypeDiagnostic))
}

func TestLessAdvancedPrefersKeepingEarlierAgent(t *testing.T) {
	e := New(testutils.NewStore(t), nil, nil)
	now := time.Now().UTC()

	older := &store.Agent{ID: "older", CreatedAt: now.Add(-time.Hour)}
	newer := &store.Agent{ID: "newer", CreatedAt: now}

	loser, err := e.lessAdvanced(context.Background(), older, newer, nil)
	require.NoError(t, err)
	assert.Equal(t, "newer", loser)
}

func TestLessAdvancedTieBreaksOnPhaseThenAlignment(t *testing.T) {
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	ctx := context.Background()

	ph2 := &store.Phase{ID: 2, WorkflowID: wf.ID, Name: "later", Description: "second phase"}
	require.NoError(t, st.CreatePhase(ctx, ph2))

	e := New(st, nil, nil)
	created := time.Now().UTC().Truncate(time.Second)

	taskIn := func(phaseID int) *string {
		task := &store.Task{
			WorkflowID:     wf.ID,
			PhaseID:        &phaseID,
			Description:    "some work",
			DoneDefinition: "done",
			Priority:       store.PriorityMedium,
			Status:         store.TaskPending,
			AgentType:      store.AgentTypePhase,
		}
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.CreateTask(ctx, tx, task)
		}))
		return &task.ID
	}
	_ = ph

	a := &store.Agent{ID: "a", CreatedAt: created, TaskID: taskIn(2)}
	b := &store.Agent{ID: "b", CreatedAt: created, TaskID: taskIn(1)}

	// Same age: the agent in the later phase is kept.
	loser, err := e.lessAdvanced(ctx, a, b, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", loser)

	// Same age and phase: the lower alignment score loses.
	c := &store.Agent{ID: "c", CreatedAt: created, TaskID: taskIn(1)}
	fresh := map[string]*store.GuardianAnalysis{
		"b": {AlignmentScore: 0.9},
		"c": {AlignmentScore: 0.4},
	}
	loser, err = e.lessAdvanced(ctx, b, c, fresh)
	require.NoError(t, err)
	assert.Equal(t, "c", loser)
}
