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

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := New(NotFound, "task missing")
	wrapped := fmt.Errorf("handling request: %w", inner)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(wrapped, Conflict))
	assert.Equal(t, Kind(""), KindOf(errors.New("untyped")))
}

func TestRetryablePolicy(t *testing.T) {
	assert.True(t, New(ExternalUnavailable, "llm down").IsRetryable())
	assert.True(t, New(Timeout, "slow").IsRetryable())
	assert.False(t, New(NotAuthorized, "bad id").IsRetryable())
	assert.False(t, New(InvalidState, "bad edge").IsRetryable())
	assert.False(t, New(Conflict, "cycle").IsRetryable())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ExternalUnavailable, "embed call", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "external_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}
