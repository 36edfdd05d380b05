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

// Package session is a thin driver over a
// tmux-compatible terminal multiplexer. Every spawned agent owns exactly
// one named session; Guardian reads its scrollback, steering injects text
// into its input, and termination kills it. Like pkg/embedders over
// ollama's HTTP API or pkg/vector over each store's SDK, this wraps one
// external program behind a narrow interface; tmux's CLI is line-oriented
// text, which os/exec handles directly.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// Driver creates, inspects, and tears down tmux sessions for agents.
type Driver struct {
	tmux         string
	socketName   string
	historyLines int
	agentCommand string
}

// New builds a Driver from the orchestrator's session config.
func New(cfg config.SessionConfig) *Driver {
	tmux := cfg.TmuxCommand
	if tmux == "" {
		tmux = "tmux"
	}
	lines := cfg.HistoryLines
	if lines == 0 {
		lines = 200
	}
	return &Driver{tmux: tmux, socketName: cfg.SocketName, historyLines: lines, agentCommand: cfg.AgentCommand}
}

func (d *Driver) args(rest ...string) []string {
	if d.socketName == "" {
		return rest
	}
	return append([]string{"-L", d.socketName}, rest...)
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.tmux, d.args(args...)...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.ExternalUnavailable, fmt.Sprintf("tmux %s", strings.Join(args, " ")), fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return out.String(), nil
}

// Create starts a new detached session named name, with workdir as its
// starting directory, and returns the session's handle (its name — tmux
// sessions are addressed by name, so the handle and the name are the same
// string). An empty command falls back to the configured agent CLI.
func (d *Driver) Create(ctx context.Context, name, workdir, command string) (string, error) {
	if command == "" {
		command = d.agentCommand
	}
	args := []string{"new-session", "-d", "-s", name, "-c", workdir}
	if command != "" {
		args = append(args, command)
	}
	if _, err := d.run(ctx, args...); err != nil {
		return "", err
	}
	return name, nil
}

// Capture returns the last nLines lines of the session's scrollback, the
// input Guardian's trajectory analysis reads.
func (d *Driver) Capture(ctx context.Context, handle string, nLines int) (string, error) {
	if nLines <= 0 {
		nLines = d.historyLines
	}
	out, err := d.run(ctx, "capture-pane", "-t", handle, "-p", "-S", "-"+strconv.Itoa(nLines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// Inject sends text into the session as if typed, followed by Enter —
// used both for the agent's initial prompt and Guardian's steering
// corrections.
func (d *Driver) Inject(ctx context.Context, handle, text string) error {
	if _, err := d.run(ctx, "send-keys", "-t", handle, "-l", text); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "-t", handle, "Enter")
	return err
}

// Kill terminates a session. Killing an already-dead session is not an
// error — termination must be idempotent.
func (d *Driver) Kill(ctx context.Context, handle string) error {
	_, err := d.run(ctx, "kill-session", "-t", handle)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// List returns every live session's handle, used for orphan sessions: ones
// the tmux server knows about but the store has no live agent row for. The
// startup check only logs them; the monitor's cleanup pass kills them.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Alive reports whether handle still names a live tmux session.
func (d *Driver) Alive(ctx context.Context, handle string) bool {
	_, err := d.run(ctx, "has-session", "-t", handle)
	return err == nil
}
