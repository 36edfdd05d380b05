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

package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hephaestus/pkg/config"
)

// fakeTmux emulates just enough of tmux's CLI surface for the Driver tests to exercise real
// argument parsing instead of mocking the Driver itself.
func fakeTmux(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "tmux")
	body := `#!/bin/sh
case "$1" in
  new-session) exit 0 ;;
  send-keys) exit 0 ;;
  kill-session)
    if [ "$3" = "missing" ]; then
      echo "can't find session: missing" >&2
      exit 1
    fi
    exit 0 ;;
  capture-pane) echo "line one"; echo "line two" ;;
  has-session) exit 0 ;;
  list-sessions) echo "agent-1"; echo "agent-2" ;;
esac
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func TestDriverCreateCaptureKill(t *testing.T) {
	d := New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	ctx := context.Background()

	handle, err := d.Create(ctx, "agent-1", "/tmp", "")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", handle)

	out, err := d.Capture(ctx, handle, 10)
	require.NoError(t, err)
	assert.Contains(t, out, "line one")

	assert.True(t, d.Alive(ctx, handle))
	require.NoError(t, d.Kill(ctx, handle))
}

func TestDriverKillMissingSessionIsIdempotent(t *testing.T) {
	d := New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	err := d.Kill(context.Background(), "missing")
	assert.NoError(t, err)
}

func TestDriverList(t *testing.T) {
	d := New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	names, err := d.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, names)
}

func TestDriverInject(t *testing.T) {
	d := New(config.SessionConfig{TmuxCommand: fakeTmux(t)})
	err := d.Inject(context.Background(), "agent-1", "hello world")
	assert.NoError(t, err)
}
