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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/kadirpekel/hephaestus/pkg/auth"
	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/config/provider"
	"github.com/kadirpekel/hephaestus/pkg/observability"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/agentmgr"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/conductor"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/diagnostic"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/embedclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/events"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/guardian"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/llmclient"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/monitor"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/queue"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/session"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/ticket"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/validation"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/worktree"
	"github.com/kadirpekel/hephaestus/pkg/ratelimit"
	"github.com/kadirpekel/hephaestus/pkg/rpc"
	"github.com/kadirpekel/hephaestus/pkg/server"
	"github.com/kadirpekel/hephaestus/pkg/tool/mcptoolset"
	"github.com/kadirpekel/hephaestus/pkg/vector"
)

// ServeCmd starts an orchestrator instance: the composition root wiring the
// store, the embedding/LLM clients, the session and worktree drivers, the
// queue/ticket/validation engines, the agent manager, the monitoring loop,
// and the two HTTP surfaces (agent-facing RPC bridge, UI-facing dashboard).
type ServeCmd struct {
	ConfigType string   `name:"config-type" help:"Config source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	Endpoints  []string `help:"Remote config provider endpoints (consul/etcd/zookeeper)."`

	GRPCGateway bool `name:"grpc-gateway" help:"Also serve the RPC surface through a grpc-gateway mux at /gateway/ (for deployments standardised on it)."`
}

// Run executes the serve command. Startup is fail-loud: an unreachable
// store, an unloadable LLM routing config, or a missing embedder with
// dedup enabled all abort before anything spawns.
func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = config.LoadEnvFiles()

	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	providerType, err := provider.ParseType(c.ConfigType)
	if err != nil {
		return err
	}
	p, err := provider.New(provider.ProviderConfig{Type: providerType, Path: cli.Config, Endpoints: c.Endpoints})
	if err != nil {
		return fmt.Errorf("create config provider: %w", err)
	}
	loader := config.NewOrchestratorLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		// Includes the multi-provider LLM routing check: a config that
		// cannot be loaded is a startup failure, never a silent fallback.
		return fmt.Errorf("load configuration: %w", err)
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Store first. An unreachable store is exit-nonzero territory.
	pool := config.NewDBPool()
	defer pool.Close()
	st, err := store.New(ctx, pool, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	// Embedding client. Dedup without an embedder cannot work; fail
	// at startup rather than silently creating duplicate agents later.
	embed, err := embedclient.New(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}
	if cfg.Queue.DedupEnabled && !embed.Available() {
		return fmt.Errorf("queue.dedup_enabled requires an embedder provider")
	}

	// LLM client with per-component routing.
	llm, err := llmclient.New(cfg.LLMs,
		llmclient.ComponentGuardianAnalysis,
		llmclient.ComponentConductorAnalysis,
		llmclient.ComponentTaskEnrichment,
		llmclient.ComponentAgentPrompts,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	defer llm.Close()

	var vec vector.Provider = vector.NilProvider{}
	if cfg.Vector != nil {
		vec, err = vector.NewProvider(cfg.Vector)
		if err != nil {
			return fmt.Errorf("create vector provider: %w", err)
		}
	}

	// Session driver and worktree manager.
	sessions := session.New(cfg.Session)
	worktrees := worktree.New(cfg.Worktree)
	if err := worktrees.CleanupOrphaned(ctx); err != nil {
		slog.Warn("worktree prune at startup failed", "error", err)
	}

	bus := events.NewBus()

	// Agent manager, queue, tickets, validation. The
	// validation engine hooks into the queue's under-review transition and
	// calls back into its ProcessQueue on terminal verdicts.
	agents := agentmgr.New(st, sessions, worktrees, bus, rpc.ToolNames())
	q := queue.New(st, embed, llm, agents, bus, cfg.Queue)
	tickets := ticket.New(st, embed, vec, bus, cfg.Board)
	valid := validation.New(st, agents, sessions, bus, cfg.Validation, q.ProcessQueue)
	q.Hooks.OnUnderReview = valid.OnUnderReview

	workflow, err := bootstrapWorkflow(ctx, st, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap workflow: %w", err)
	}
	slog.Info("workflow active", "workflow_id", workflow.ID, "name", workflow.Name)

	reconcileOrphanSessions(ctx, st, sessions, workflow.ID)

	// The analysers and the monitoring loop that drives them.
	guard := guardian.New(st, sessions, llm, bus)
	cond := conductor.New(st, llm, agents)
	diag := diagnostic.New(st, agents, cfg.Monitoring)
	mon := monitor.New(st, agents, sessions, guard, cond, diag, valid, cfg.Monitoring)

	dispatcher := rpc.NewDispatcher(rpc.Deps{
		Store:      st,
		Queue:      q,
		Tickets:    tickets,
		Validation: valid,
		Agents:     agents,
		Vector:     vec,
		Embed:      embed,
		Workflow:   workflow,
	})
	if err := registerExternalToolsets(ctx, dispatcher, cfg.Tools); err != nil {
		return fmt.Errorf("register external toolsets: %w", err)
	}

	dashboard := server.NewDashboard(server.Deps{
		Store:    st,
		Bus:      bus,
		Queue:    q,
		Tickets:  tickets,
		Agents:   agents,
		Workflow: workflow,
	})

	limiter, err := ratelimit.NewRateLimiterFromConfig(cfg.RateLimiting, cfg.Database, pool)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	handler, err := composeHTTPHandler(c, cfg, obs, limiter, dispatcher, dashboard)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("orchestrator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := mon.Run(ctx, workflow); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("monitoring loop: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("fatal error", "error", err)
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// bootstrapWorkflow resumes the named workflow if a prior run persisted it,
// or creates it (with its immutable phase list) on first start. One active
// workflow per instance.
func bootstrapWorkflow(ctx context.Context, st *store.Store, cfg *config.OrchestratorConfig) (*store.Workflow, error) {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	existing, err := st.FindWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	boardJSON, err := json.Marshal(cfg.Board)
	if err != nil {
		return nil, err
	}
	w := &store.Workflow{
		ID:             uuid.NewString(),
		Name:           name,
		GoalText:       cfg.GoalText,
		ResultRequired: cfg.ResultRequired,
		ResultCriteria: cfg.ResultCriteria,
		OnResultFound:  store.OnResultFound(cfg.OnResultFound),
		BoardConfig:    string(boardJSON),
	}
	if err := st.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	for i, p := range cfg.Phases {
		phase := &store.Phase{
			ID:                    i + 1,
			WorkflowID:            w.ID,
			Name:                  p.Name,
			Description:           p.Description,
			DoneDefinitions:       p.DoneDefinitions,
			AdditionalNotes:       p.AdditionalNotes,
			ValidationEnabled:     p.ValidationEnabled,
			ValidationCriteria:    p.ValidationCriteria,
			ValidatorInstructions: p.ValidatorInstructions,
		}
		if err := st.CreatePhase(ctx, phase); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// reconcileOrphanSessions logs (without killing — the startup grace window
// owns that decision) any tmux session the driver knows about that no live
// agent row claims, so a crashed previous run is visible immediately.
func reconcileOrphanSessions(ctx context.Context, st *store.Store, sessions *session.Driver, workflowID string) {
	names, err := sessions.List(ctx)
	if err != nil || len(names) == 0 {
		return
	}
	live, err := st.ListAllAgentSessionNames(ctx, workflowID)
	if err != nil {
		return
	}
	for _, name := range names {
		if !live[name] {
			slog.Warn("session has no live agent row; monitoring loop will reap it after the grace period", "session", name)
		}
	}
}

// registerExternalToolsets bridges configured external MCP servers into the
// dispatcher so their tools join the agent-facing surface.
func registerExternalToolsets(ctx context.Context, d *rpc.Dispatcher, tools map[string]*config.ToolConfig) error {
	for name, tc := range tools {
		if tc == nil || !tc.IsEnabled() || tc.Type != config.ToolTypeMCP {
			continue
		}
		ts, err := mcptoolset.New(mcptoolset.Config{
			Name:      name,
			URL:       tc.URL,
			Transport: tc.Transport,
			Command:   tc.Command,
			Args:      tc.Args,
			Env:       tc.Env,
			Filter:    tc.Filter,
		})
		if err != nil {
			return fmt.Errorf("toolset %s: %w", name, err)
		}
		if err := d.RegisterToolset(ctx, ts); err != nil {
			return fmt.Errorf("toolset %s: %w", name, err)
		}
		slog.Info("external MCP toolset registered", "name", name)
	}
	return nil
}

// composeHTTPHandler mounts the agent-facing bridge (plain JSON at /rpc,
// MCP at /mcp, optionally a grpc-gateway mux at /gateway/) and the UI
// dashboard on one listener, with rate limiting on the agent surface and
// JWT auth on the dashboard surface when configured.
func composeHTTPHandler(c *ServeCmd, cfg *config.OrchestratorConfig, obs *observability.Manager, limiter ratelimit.RateLimiter, dispatcher *rpc.Dispatcher, dashboard *server.Dashboard) (http.Handler, error) {
	root := chi.NewRouter()
	root.Use(observability.HTTPMiddleware(obs.Tracer(), obs.Metrics()))

	rpcHandler := dispatcher.Router()
	if limiter != nil {
		rpcHandler = ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter: limiter,
			// Agents are the callers here; their X-Agent-ID is the natural
			// rate-limit identity.
			IdentifierFunc: func(r *http.Request) (string, ratelimit.Scope) {
				if id := r.Header.Get("X-Agent-ID"); id != "" {
					return id, ratelimit.ScopeUser
				}
				return r.RemoteAddr, ratelimit.ScopeSession
			},
		})(rpcHandler)
	}
	root.Mount("/rpc", rpcHandler)
	root.Mount("/mcp", dispatcher.MCPHandler())

	if c.GRPCGateway {
		gw, err := gatewayMux(dispatcher)
		if err != nil {
			return nil, err
		}
		root.Mount("/gateway", http.StripPrefix("/gateway", gw))
	}

	// The dashboard owns the rest of the path space, so its endpoints live
	// at the documented top-level paths (/queue_status, /tasks, /graph, ...).
	dashboardHandler := dashboard.Router()
	validator, err := auth.NewValidatorFromConfig(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	if validator != nil {
		dashboardHandler = validator.HTTPMiddleware(dashboardHandler)
		slog.Info("dashboard auth enabled (JWT)")
	}
	root.Mount("/", dashboardHandler)

	return root, nil
}

// gatewayMux exposes every dispatcher tool through a grpc-gateway runtime
// mux, for deployments whose ingress stack is standardised on the gateway's
// marshaling and error conventions. Registration is by path — the RPC
// surface has no protobuf service definition of its own.
func gatewayMux(dispatcher *rpc.Dispatcher) (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, def := range dispatcher.Definitions() {
		name := def.Name
		err := mux.HandlePath(http.MethodPost, "/rpc/"+name, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			var args map[string]any
			if r.Body != nil {
				_ = json.NewDecoder(r.Body).Decode(&args)
			}
			result, err := dispatcher.Dispatch(r.Context(), r.Header.Get("X-Agent-ID"), name, args)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(result)
		})
		if err != nil {
			return nil, fmt.Errorf("register gateway path for %s: %w", name, err)
		}
	}
	return mux, nil
}
