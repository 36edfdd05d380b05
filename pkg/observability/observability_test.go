// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerNilConfigIsNoop(t *testing.T) {
	m, err := NewManager(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, m.Tracer())
	assert.Nil(t, m.Metrics())
	assert.False(t, m.TracingEnabled())
	assert.False(t, m.MetricsEnabled())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNoopManagerIsSafeToUse(t *testing.T) {
	m := NoopManager()
	assert.False(t, m.TracingEnabled())
	assert.False(t, m.MetricsEnabled())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNoopMetricsRecordersDoNothing(t *testing.T) {
	var rec Recorder = NoopMetrics{}
	rec.RecordAgentCall("guardian", "analysis", 100*time.Millisecond)
	rec.RecordLLMCall("anthropic", "claude", 200*time.Millisecond)
	rec.RecordToolCall("create_task", 5*time.Millisecond)
	assert.NotNil(t, NoopMetrics{}.Handler())
}
