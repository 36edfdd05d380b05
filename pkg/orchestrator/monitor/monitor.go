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

// Package monitor is the orchestrator's heartbeat: the single periodic driver
// that fans Guardian analyses out over every eligible working agent, runs
// Conductor and Diagnostic sequentially behind them, and reconciles orphan
// sessions and crashed agents, once per cycle.
package monitor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/conductor"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/diagnostic"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/guardian"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/validation"
)

// Engine runs the monitoring loop for a single workflow. It is
// single-threaded with respect to phase/diagnostic decisions: RunCycle
// never overlaps itself, the same way queue.Engine serialises dispatch per
// workflow.
type Engine struct {
	store     *store.Store
	agents    *agentmgr.Manager
	sessions  *session.Driver
	guardian  *guardian.Engine
	conductor *conductor.Engine
	diag      *diagnostic.Engine
	valid     *validation.Engine
	cfg       config.MonitoringConfig

	startedAt time.Time
}

// New builds a monitoring Engine.
func New(st *store.Store, agents *agentmgr.Manager, sessions *session.Driver, g *guardian.Engine, c *conductor.Engine, d *diagnostic.Engine, v *validation.Engine, cfg config.MonitoringConfig) *Engine {
	return &Engine{
		store: st, agents: agents, sessions: sessions,
		guardian: g, conductor: c, diag: d, valid: v, cfg: cfg,
		startedAt: time.Now().UTC(),
	}
}

func (e *Engine) interval() time.Duration {
	if e.cfg.IntervalSecs > 0 {
		return time.Duration(e.cfg.IntervalSecs) * time.Second
	}
	return 60 * time.Second
}

// gracePeriod is the per-agent minimum age before Guardian analysis or
// dead-session reaping may touch it.
func (e *Engine) gracePeriod() time.Duration {
	if e.cfg.GracePeriodSecs > 0 {
		return time.Duration(e.cfg.GracePeriodSecs) * time.Second
	}
	return 60 * time.Second
}

// orphanGrace is the window after process start during which no session is
// treated as orphaned — agents registered by a previous run may still be
// mid-handoff. Independent of the per-agent gracePeriod.
func (e *Engine) orphanGrace() time.Duration {
	if e.cfg.OrphanGraceSecs > 0 {
		return time.Duration(e.cfg.OrphanGraceSecs) * time.Second
	}
	return 120 * time.Second
}

func (e *Engine) maxConcurrentGuardian() int {
	if e.cfg.MaxConcurrentGuardian > 0 {
		return e.cfg.MaxConcurrentGuardian
	}
	return 5
}

// Run drives the periodic loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, workflow *store.Workflow) error {
	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunCycle(ctx, workflow); err != nil {
				return err
			}
		}
	}
}

// RunCycle runs exactly one monitoring pass.
func (e *Engine) RunCycle(ctx context.Context, workflow *store.Workflow) error {
	inOrphanGrace := time.Since(e.startedAt) < e.orphanGrace()

	working, err := e.store.ListWorkingAgents(ctx, workflow.ID)
	if err != nil {
		return err
	}

	var eligible []*store.Agent
	if !inOrphanGrace {
		for _, a := range working {
			// Guardian's trajectory analysis is meaningless without a task
			// to judge progress against, so result-validator and
			// diagnostic agents (which carry no task_id) never enter the
			// batch; task-level validators do, and stay in scope for
			// Conductor's duplicate-pair detection (which excludes them
			// from its verdicts, not from the batch itself).
			if a.TaskID != nil && time.Since(a.CreatedAt) >= e.gracePeriod() {
				eligible = append(eligible, a)
			}
		}
	}

	fresh, err := e.runGuardians(ctx, workflow, eligible)
	if err != nil {
		return err
	}

	if len(eligible) >= 2 {
		if _, err := e.conductor.RunCycle(ctx, workflow, eligible, fresh); err != nil {
			return err
		}
	}

	if _, err := e.diag.CheckAndTrigger(ctx, workflow); err != nil {
		return err
	}

	if e.valid != nil {
		if err := e.valid.RetryPendingValidations(ctx, workflow); err != nil {
			return err
		}
	}

	if err := e.cleanupOrphanSessions(ctx, workflow, inOrphanGrace); err != nil {
		return err
	}

	if err := e.reapDeadAgents(ctx, working, inOrphanGrace); err != nil {
		return err
	}

	return nil
}

// runGuardians fans Guardian analyses out over eligible agents, bounded by
// max_concurrent. One agent's failure doesn't sink the
// others; it is logged into the returned error only after every analysis
// in the batch has had a chance to run.
func (e *Engine) runGuardians(ctx context.Context, workflow *store.Workflow, eligible []*store.Agent) (map[string]*store.GuardianAnalysis, error) {
	fresh := make(map[string]*store.GuardianAnalysis, len(eligible))
	if len(eligible) == 0 {
		return fresh, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.maxConcurrentGuardian())

	for _, a := range eligible {
		a := a
		g.Go(func() error {
			task, err := e.store.GetTask(ctx, *a.TaskID)
			if err != nil {
				return err
			}
			var phase *store.Phase
			if task.PhaseID != nil {
				phase, err = e.store.GetPhase(ctx, workflow.ID, *task.PhaseID)
				if err != nil {
					return err
				}
			}
			analysis, err := e.guardian.Analyze(ctx, a, workflow, phase, task)
			if err != nil {
				return err
			}
			mu.Lock()
			fresh[a.ID] = analysis
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fresh, nil
}

// cleanupOrphanSessions kills tmux sessions the session driver still knows
// about that no live agent row claims.
func (e *Engine) cleanupOrphanSessions(ctx context.Context, workflow *store.Workflow, inGrace bool) error {
	if inGrace {
		return nil
	}
	live, err := e.store.ListAllAgentSessionNames(ctx, workflow.ID)
	if err != nil {
		return err
	}
	names, err := e.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if live[name] {
			continue
		}
		if err := e.sessions.Kill(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// reapDeadAgents marks every working agent whose session has exited
// without self-reporting done as failed.
func (e *Engine) reapDeadAgents(ctx context.Context, working []*store.Agent, inGrace bool) error {
	if inGrace {
		return nil
	}
	for _, a := range working {
		if time.Since(a.CreatedAt) < e.gracePeriod() {
			continue
		}
		if e.sessions.Alive(ctx, a.SessionName) {
			continue
		}
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.agents.Terminate(ctx, tx, a.ID, "session exited without self-reporting done", true)
		}); err != nil {
			return err
		}
	}
	return nil
}
