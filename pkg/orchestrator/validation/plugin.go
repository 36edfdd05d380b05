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

package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/rpc"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/hephaestus/pkg/orchestrator/store"
)

// ExternalValidator is the contract a validator plugin binary implements:
// given a task's criteria and the worktree to inspect, return a verdict.
type ExternalValidator interface {
	Validate(criteria []string, worktreePath string) (pass bool, feedback string, err error)
}

// Handshake guards against launching a binary that is not a validator
// plugin at all.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "HEPHAESTUS_VALIDATOR_PLUGIN",
	MagicCookieValue: "e9a1",
}

// ValidatorPlugin is the go-plugin wrapper for ExternalValidator over
// net/rpc.
type ValidatorPlugin struct {
	Impl ExternalValidator
}

func (p *ValidatorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &validatorServer{impl: p.Impl}, nil
}

func (p *ValidatorPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &validatorClient{client: c}, nil
}

type validateArgs struct {
	Criteria     []string
	WorktreePath string
}

type validateReply struct {
	Pass     bool
	Feedback string
}

type validatorServer struct {
	impl ExternalValidator
}

func (s *validatorServer) Validate(args *validateArgs, reply *validateReply) error {
	pass, feedback, err := s.impl.Validate(args.Criteria, args.WorktreePath)
	if err != nil {
		return err
	}
	reply.Pass = pass
	reply.Feedback = feedback
	return nil
}

type validatorClient struct {
	client *rpc.Client
}

func (c *validatorClient) Validate(criteria []string, worktreePath string) (bool, string, error) {
	var reply validateReply
	if err := c.client.Call("Plugin.Validate", &validateArgs{Criteria: criteria, WorktreePath: worktreePath}, &reply); err != nil {
		return false, "", err
	}
	return reply.Pass, reply.Feedback, nil
}

// ServePlugin is the entry point a validator plugin binary calls from its
// own main().
func ServePlugin(impl ExternalValidator) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"validator": &ValidatorPlugin{Impl: impl},
		},
	})
}

// runPluginValidation launches the configured plugin binary, asks it for a
// verdict on the task's criteria, and applies that verdict through the
// same path a validator agent's give_validation_review takes. Runs outside
// any store transaction.
func (e *Engine) runPluginValidation(taskID string, phase *store.Phase, worktreePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var criteria []string
	if phase != nil {
		criteria = phase.ValidationCriteria
	}
	validatorName := "plugin:" + filepath.Base(e.cfg.PluginPath)

	pass, feedback, err := e.callPlugin(criteria, worktreePath)
	if err != nil {
		slog.Error("validator plugin failed, treating as a failed review", "plugin", e.cfg.PluginPath, "task_id", taskID, "error", err)
		pass, feedback = false, "validator plugin error: "+err.Error()
	}

	if _, err := e.completeReview(ctx, validatorName, false, taskID, pass, feedback, ""); err != nil {
		slog.Error("apply plugin validation verdict", "task_id", taskID, "error", err)
	}
}

func (e *Engine) callPlugin(criteria []string, worktreePath string) (bool, string, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"validator": &ValidatorPlugin{},
		},
		Cmd: exec.Command(e.cfg.PluginPath),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "validator-plugin",
			Level: hclog.Warn,
		}),
	})
	defer client.Kill()

	rpcClient, err := client.Client()
	if err != nil {
		return false, "", err
	}
	raw, err := rpcClient.Dispense("validator")
	if err != nil {
		return false, "", err
	}
	validator, ok := raw.(ExternalValidator)
	if !ok {
		return false, "", fmt.Errorf("plugin %s does not implement the validator interface", e.cfg.PluginPath)
	}
	return validator.Validate(criteria, worktreePath)
}
