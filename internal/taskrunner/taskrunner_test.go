// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package taskrunner

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsIdleJob(t *testing.T) {
	var calls int32
	running := func() bool {
		atomic.AddInt32(&calls, 1)
		return false
	}

	r, err := Start(Frequency{WatchdogInterval: 20 * time.Millisecond, IdleLogInterval: 20 * time.Millisecond}, running)
	require.NoError(t, err)
	defer r.Shutdown()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownOnNilRunnerIsNoop(t *testing.T) {
	var r *Runner
	assert.NoError(t, r.Shutdown())
}
