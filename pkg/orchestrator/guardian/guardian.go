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

// Package guardian is the per-agent trajectory judge: for one working agent, it builds
// a trajectory context from its Guardian history and live session
// scrollback, asks the LLM client for an alignment judgement, persists the
// result, and — when the judgement calls for it — injects a steering
// correction into the agent's session and tracks whether that correction
// actually helped next cycle.
package guardian

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/llmclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/utils"
)

// contextK is how many prior trajectory summaries feed the next analysis.
const contextK = 10

// scrollbackLines is how much live session history Guardian reads per
// cycle.
const scrollbackLines = 200

// scrollbackTokenBudget caps how much of the captured scrollback reaches
// the analysis prompt. A noisy session (build output, stack traces) can
// easily exceed the provider's context; the tail is the part worth keeping.
const scrollbackTokenBudget = 6000

// Completer is the slice of the LLM client Guardian needs — one
// schema-enforced completion per analysis. *llmclient.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, component, systemInstruction, userPrompt string, out any) error
}

var _ Completer = (*llmclient.Client)(nil)

// tokenCounterModel picks the tokenizer the scrollback budget is measured
// with. cl100k-family counting is close enough across providers for a
// truncation budget.
const tokenCounterModel = "gpt-4o"

// Engine runs per-agent trajectory analysis.
type Engine struct {
	store    *store.Store
	sessions *session.Driver
	llm      Completer
	bus      *events.Bus
	tokens   *utils.TokenCounter
}

// New builds a Guardian Engine.
func New(st *store.Store, sessions *session.Driver, llm Completer, bus *events.Bus) *Engine {
	tokens, err := utils.NewTokenCounter(tokenCounterModel)
	if err != nil {
		// EstimateTokensForText degrades to a rough estimate on a nil
		// counter; truncation stays functional either way.
		slog.Warn("token counter unavailable, scrollback budget uses a rough estimate", "error", err)
	}
	return &Engine{store: st, sessions: sessions, llm: llm, bus: bus, tokens: tokens}
}

type analysisResponse struct {
	CurrentPhase      string  `json:"current_phase"`
	TrajectoryAligned bool    `json:"trajectory_aligned"`
	AlignmentScore    float64 `json:"alignment_score"`
	TrajectorySummary string  `json:"trajectory_summary"`
	NeedsSteering     bool    `json:"needs_steering"`
	SteeringType      string  `json:"steering_type"`
	SteeringMessage   string  `json:"steering_message"`
}

// Analyze runs one Guardian cycle for a single agent. phase may
// be nil for a diagnostic agent's task.
func (e *Engine) Analyze(ctx context.Context, agent *store.Agent, workflow *store.Workflow, phase *store.Phase, task *store.Task) (*store.GuardianAnalysis, error) {
	priorSummaries, err := e.store.RecentGuardianAnalysesForAgent(ctx, agent.ID, contextK)
	if err != nil {
		return nil, err
	}
	scrollback, err := e.sessions.Capture(ctx, agent.SessionName, scrollbackLines)
	if err != nil {
		return nil, err
	}
	extracted := extractConstraints(scrollback)
	scrollback = e.truncateToTokens(scrollback, scrollbackTokenBudget)

	systemInstruction := "You are Guardian, judging whether a coding agent's recent trajectory stays aligned " +
		"with its assigned task. Watch for: the same error repeated 5+ times, more than five minutes of " +
		"activity on files outside the current phase, violation of a persistent constraint, no activity " +
		"despite the task not being done, or a skipped mandatory step from the phase's additional notes."

	var b strings.Builder
	b.WriteString("# Prior trajectory summaries (oldest first)\n")
	for _, g := range priorSummaries {
		b.WriteString("- " + g.TrajectorySummary + "\n")
	}
	if phase != nil {
		b.WriteString("\n# Phase\n" + phase.Description + "\n")
		if len(phase.DoneDefinitions) > 0 {
			b.WriteString("Done when:\n")
			for _, d := range phase.DoneDefinitions {
				b.WriteString("- " + d + "\n")
			}
		}
		if phase.AdditionalNotes != "" {
			b.WriteString("Additional notes:\n" + phase.AdditionalNotes + "\n")
		}
	}
	b.WriteString("\n# Task\n" + task.Description + "\nDone when: " + task.DoneDefinition + "\n")
	b.WriteString("\n# Derived constraints\n")
	b.WriteString("Persistent constraints: " + strings.Join(extracted.persistent, "; ") + "\n")
	b.WriteString("Lifted constraints: " + strings.Join(extracted.lifted, "; ") + "\n")
	b.WriteString("Standing instructions: " + strings.Join(extracted.standing, "; ") + "\n")
	b.WriteString("\n# Recent session scrollback\n" + scrollback + "\n")

	var resp analysisResponse
	if err := e.llm.Complete(ctx, llmclient.ComponentGuardianAnalysis, systemInstruction, b.String(), &resp); err != nil {
		return nil, err
	}

	analysis := &store.GuardianAnalysis{
		AgentID:           agent.ID,
		CurrentPhase:      resp.CurrentPhase,
		AlignmentScore:    resp.AlignmentScore,
		TrajectoryAligned: resp.TrajectoryAligned,
		TrajectorySummary: resp.TrajectorySummary,
		NeedsSteering:     resp.NeedsSteering,
		SteeringType:      store.SteeringType(resp.SteeringType),
		SteeringMessage:   resp.SteeringMessage,
	}

	prior, err := e.store.LastUnresolvedSteeringIntervention(ctx, e.store.Q(), agent.ID)
	if err != nil {
		return nil, err
	}

	if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CreateGuardianAnalysis(ctx, tx, analysis); err != nil {
			return err
		}
		if prior != nil {
			priorScore, err := e.store.AlignmentScoreOf(ctx, tx, prior.GuardianAnalysisID)
			if err != nil {
				return err
			}
			successful := analysis.AlignmentScore >= priorScore
			return e.store.MarkSteeringSuccess(ctx, tx, prior.ID, successful)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if analysis.NeedsSteering && analysis.SteeringMessage != "" {
		if err := e.sessions.Inject(ctx, agent.SessionName, analysis.SteeringMessage); err != nil {
			return nil, err
		}
		intervention := &store.SteeringIntervention{
			AgentID:            agent.ID,
			GuardianAnalysisID: analysis.ID,
			SteeringType:       analysis.SteeringType,
			Message:            analysis.SteeringMessage,
		}
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.CreateSteeringIntervention(ctx, tx, intervention)
		}); err != nil {
			return nil, err
		}
	}

	return analysis, nil
}

// truncateToTokens drops leading lines until text fits the budget.
func (e *Engine) truncateToTokens(text string, budget int) string {
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && e.tokens.EstimateTokensForText(strings.Join(lines, "\n")) > budget {
		drop := len(lines) / 4
		if drop == 0 {
			drop = 1
		}
		lines = lines[drop:]
	}
	return strings.Join(lines, "\n")
}

type derivedConstraints struct {
	persistent []string
	lifted     []string
	standing   []string
}

var (
	persistentPhrases = []string{"must", "cannot", "never"}
	liftedPhrases     = []string{"you may now", "no longer need to"}
	standingPhrases   = []string{"always", "remember"}
)

// extractConstraints is a textual-extraction pass over session scrollback,
// not a parser: it keeps any line containing one of the trigger phrases,
// so Guardian's prompt surfaces constraints/instructions the agent itself
// stated or was told.
func extractConstraints(scrollback string) derivedConstraints {
	var out derivedConstraints
	for _, line := range strings.Split(scrollback, "\n") {
		lower := strings.ToLower(line)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if containsAny(lower, persistentPhrases) {
			out.persistent = append(out.persistent, trimmed)
		}
		if containsAny(lower, liftedPhrases) {
			out.lifted = append(out.lifted, trimmed)
		}
		if containsAny(lower, standingPhrases) {
			out.standing = append(out.standing, trimmed)
		}
	}
	return out
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ticketLinkageRe mirrors the queue engine's literal "TICKET: <id>" check,
// reused here so Guardian can flag a task description that omits required
// ticket linkage as a format violation.
var ticketLinkageRe = regexp.MustCompile(`TICKET: \S+`)

// HasTicketLinkage reports whether text contains the required ticket
// linkage marker.
func HasTicketLinkage(text string) bool {
	return ticketLinkageRe.MatchString(text)
}
