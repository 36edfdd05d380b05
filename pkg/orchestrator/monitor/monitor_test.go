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

package monitor

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/diagnostic"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
	"github.com/kadirpekel/hephaestus/pkg/testutils"
)

// deadTmux fakes a tmux whose sessions have all exited: has-session fails,
// list-sessions reports nothing, kill-session succeeds.
func deadTmux(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "tmux")
	body := `#!/bin/sh
case "$1" in
  new-session|send-keys|kill-session) exit 0 ;;
  has-session) echo "can't find session" >&2; exit 1 ;;
  list-sessions) echo "no server running" >&2; exit 1 ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func newTestMonitor(t *testing.T, tmuxPath string, graceSecs int) (*Engine, *store.Store, *store.Workflow) {
	t.Helper()
	st := testutils.NewStore(t)
	wf, _ := testutils.SeedWorkflow(t, st)

	sessions := session.New(config.SessionConfig{TmuxCommand: tmuxPath})
	worktrees := worktree.New(testutils.WorktreeConfig(t))
	bus := events.NewBus()
	agents := agentmgr.New(st, sessions, worktrees, bus, nil)

	cfg := config.MonitoringConfig{GracePeriodSecs: graceSecs, OrphanGraceSecs: 120, DiagnosticCooldownSecs: 3600, DiagnosticStuckSecs: 3600}
	diag := diagnostic.New(st, agents, cfg)
	return New(st, agents, sessions, nil, nil, diag, nil, cfg), st, wf
}

func spawnAgent(t *testing.T, st *store.Store, wf *store.Workflow, createdAt time.Time) *store.Agent {
	t.Helper()
	ctx := context.Background()
	a := &store.Agent{
		WorkflowID:  wf.ID,
		AgentType:   store.AgentTypePhase,
		Status:      store.AgentWorking,
		SessionName: "agent-session",
		CreatedAt:   createdAt,
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateAgent(ctx, tx, a)
	}))
	return a
}

func TestDeadAgentNotReapedDuringStartupGrace(t *testing.T) {
	mon, st, wf := newTestMonitor(t, deadTmux(t), 60)

	// An agent whose session has exited, but the orchestrator just started:
	// the orphan grace period protects it.
	a := spawnAgent(t, st, wf, time.Now().UTC().Add(-10*time.Minute))

	require.NoError(t, mon.RunCycle(context.Background(), wf))

	got, err := st.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, got.Status)
}

func TestDeadAgentReapedAfterGrace(t *testing.T) {
	mon, st, wf := newTestMonitor(t, deadTmux(t), 1)
	mon.startedAt = time.Now().UTC().Add(-time.Hour)

	a := spawnAgent(t, st, wf, time.Now().UTC().Add(-10*time.Minute))

	require.NoError(t, mon.RunCycle(context.Background(), wf))

	got, err := st.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, got.Status)
}

func TestOrphanGraceOutlivesPerAgentGrace(t *testing.T) {
	// The startup window and the per-agent window are independent knobs: a
	// long-dead agent stays protected 90s after process start even when the
	// per-agent grace is only one second.
	mon, st, wf := newTestMonitor(t, deadTmux(t), 1)
	mon.startedAt = time.Now().UTC().Add(-90 * time.Second)

	a := spawnAgent(t, st, wf, time.Now().UTC().Add(-10*time.Minute))

	require.NoError(t, mon.RunCycle(context.Background(), wf))

	got, err := st.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, got.Status)
}

func TestYoungAgentNotReapedEvenAfterStartupGrace(t *testing.T) {
	mon, st, wf := newTestMonitor(t, deadTmux(t), 300)
	mon.startedAt = time.Now().UTC().Add(-time.Hour)

	// Session looks dead, but the agent is younger than the per-agent
	// grace window. It may simply not have started yet.
	a := spawnAgent(t, st, wf, time.Now().UTC())

	require.NoError(t, mon.RunCycle(context.Background(), wf))

	got, err := st.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, got.Status)
}
