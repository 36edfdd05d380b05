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

package guardian

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

const stackTraceLine = "panic: runtime error: index out of range [3] with length 2 at worker.go:42"

// scriptedCompleter replays a fixed sequence of analysis responses and
// records every prompt it was asked to judge.
type scriptedCompleter struct {
	responses []analysisResponse
	prompts   []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, component, systemInstruction, userPrompt string, out any) error {
	s.prompts = append(s.prompts, userPrompt)
	resp, ok := out.(*analysisResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", out)
	}
	idx := len(s.prompts) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	*resp = s.responses[idx]
	return nil
}

// steeringTmux fakes a tmux whose pane scrollback always shows the same
// stack trace, and logs every injected line to injectLog.
func steeringTmux(t *testing.T, injectLog string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "tmux")
	body := fmt.Sprintf(`#!/bin/sh
case "$1" in
  capture-pane)
    echo "building project"
    echo "%s"
    echo "retrying build"
    exit 0 ;;
  send-keys)
    if [ "$4" = "-l" ]; then printf '%%s\n' "$5" >> %s; fi
    exit 0 ;;
esac
exit 0
`, stackTraceLine, injectLog)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func newTestEngine(t *testing.T, llm Completer, tmuxPath string) (*Engine, *store.Store, *store.Workflow, *store.Phase) {
	t.Helper()
	st := testutils.NewStore(t)
	wf, ph := testutils.SeedWorkflow(t, st)
	sessions := session.New(config.SessionConfig{TmuxCommand: tmuxPath})
	return New(st, sessions, llm, events.NewBus()), st, wf, ph
}

func seedWorkingAgent(t *testing.T, st *store.Store, wf *store.Workflow, ph *store.Phase) (*store.Agent, *store.Task) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		WorkflowID:     wf.ID,
		PhaseID:        &ph.ID,
		Description:    "fix the worker crash",
		DoneDefinition: "worker no longer panics",
		Priority:       store.PriorityMedium,
		Status:         store.TaskInProgress,
		AgentType:      store.AgentTypePhase,
	}
	agent := &store.Agent{
		WorkflowID:  wf.ID,
		AgentType:   store.AgentTypePhase,
		Status:      store.AgentWorking,
		SessionName: "agent-under-test",
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		return st.CreateAgent(ctx, tx, agent)
	}))
	return agent, task
}

// Three cycles over an agent stuck on the same stack-trace line: the third
// judgement flags it, a steering intervention is recorded, and its message
// lands in the agent's session.
func TestRepeatedErrorSteersAgentOnThirdCycle(t *testing.T) {
	injectLog := filepath.Join(t.TempDir(), "injected.txt")
	llm := &scriptedCompleter{responses: []analysisResponse{
		{CurrentPhase: "build", TrajectoryAligned: true, AlignmentScore: 0.8,
			TrajectorySummary: "retrying after " + stackTraceLine},
		{CurrentPhase: "build", TrajectoryAligned: true, AlignmentScore: 0.6,
			TrajectorySummary: "still hitting " + stackTraceLine},
		{CurrentPhase: "build", TrajectoryAligned: false, AlignmentScore: 0.3,
			TrajectorySummary: "looping on " + stackTraceLine,
			NeedsSteering:     true, SteeringType: "stuck",
			SteeringMessage: "You have hit the same panic three times. Add a bounds check in worker.go before retrying the build."},
	}}

	e, st, wf, ph := newTestEngine(t, llm, steeringTmux(t, injectLog))
	agent, task := seedWorkingAgent(t, st, wf, ph)
	ctx := context.Background()

	var last *store.GuardianAnalysis
	for i := 0; i < 3; i++ {
		analysis, err := e.Analyze(ctx, agent, wf, ph, task)
		require.NoError(t, err)
		last = analysis
	}

	assert.True(t, last.NeedsSteering)
	assert.Equal(t, store.SteeringStuck, last.SteeringType)
	assert.InDelta(t, 0.3, last.AlignmentScore, 0.001)

	// The third prompt carried both prior summaries plus the live
	// scrollback, so the judge saw the same stack-trace line three times.
	require.Len(t, llm.prompts, 3)
	assert.GreaterOrEqual(t, strings.Count(llm.prompts[2], stackTraceLine), 3)

	// A steering intervention row exists, not yet scored.
	intervention, err := st.LastUnresolvedSteeringIntervention(ctx, st.Q(), agent.ID)
	require.NoError(t, err)
	require.NotNil(t, intervention)
	assert.Equal(t, store.SteeringStuck, intervention.SteeringType)
	assert.Equal(t, last.SteeringMessage, intervention.Message)

	// The message was injected into the live session.
	injected, err := os.ReadFile(injectLog)
	require.NoError(t, err)
	assert.Contains(t, string(injected), "bounds check in worker.go")
}

func TestSteeringSuccessScoredOnNextCycle(t *testing.T) {
	injectLog := filepath.Join(t.TempDir(), "injected.txt")
	llm := &scriptedCompleter{responses: []analysisResponse{
		{TrajectoryAligned: false, AlignmentScore: 0.3, TrajectorySummary: "stuck on the panic",
			NeedsSteering: true, SteeringType: "stuck", SteeringMessage: "add the bounds check"},
		{TrajectoryAligned: true, AlignmentScore: 0.7, TrajectorySummary: "bounds check added, build passing"},
	}}

	e, st, wf, ph := newTestEngine(t, llm, steeringTmux(t, injectLog))
	agent, task := seedWorkingAgent(t, st, wf, ph)
	ctx := context.Background()

	_, err := e.Analyze(ctx, agent, wf, ph, task)
	require.NoError(t, err)
	pending, err := st.LastUnresolvedSteeringIntervention(ctx, st.Q(), agent.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	// The next cycle's higher alignment score resolves the intervention.
	_, err = e.Analyze(ctx, agent, wf, ph, task)
	require.NoError(t, err)
	resolved, err := st.LastUnresolvedSteeringIntervention(ctx, st.Q(), agent.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved, "intervention success was recorded, nothing left unresolved")
}

func TestExtractConstraints(t *testing.T) {
	scrollback := strings.Join([]string{
		"You must keep the public API stable.",
		"you may now edit the generated files",
		"Remember to run the linter before committing.",
		"plain build output line",
	}, "\n")

	got := extractConstraints(scrollback)
	assert.Len(t, got.persistent, 1)
	assert.Len(t, got.lifted, 1)
	assert.Len(t, got.standing, 1)
}

func TestTruncateToTokensKeepsTail(t *testing.T) {
	e := &Engine{} // nil token counter: the rough estimate path
	var b strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "line %d of noisy build output that pads the scrollback\n", i)
	}
	b.WriteString("the line that matters")

	out := e.truncateToTokens(b.String(), 100)
	assert.Contains(t, out, "the line that matters", "truncation keeps the tail")
	assert.NotContains(t, out, "line 0 of", "truncation drops the head")
}
